// Package metrics defines the Prometheus collectors of the service.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/warp/classfund/ledger"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classfund_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classfund_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Ledger metrics
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classfund_ledger_operations_total",
			Help: "Ledger operations by outcome",
		},
		[]string{"operation", "result"},
	)

	LedgerAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classfund_ledger_amount_total",
			Help: "Sum of recorded amounts by entry kind",
		},
		[]string{"kind"},
	)

	// Audit metrics
	AuditDriftRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classfund_audit_drift_rooms",
			Help: "Rooms whose aggregates disagreed with their entries in the last audit",
		},
	)

	// Rate limit metrics
	JoinRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classfund_join_rate_limited_total",
			Help: "Join attempts rejected by the rate limiter",
		},
	)
)

// =============================================================================
// LEDGER OBSERVER
// =============================================================================

// LedgerObserver records ledger outcomes. It implements ledger.Observer.
type LedgerObserver struct{}

var _ ledger.Observer = LedgerObserver{}

func (LedgerObserver) ObserveOperation(operation string, err error) {
	LedgerOperations.WithLabelValues(operation, Result(err)).Inc()
}

func (LedgerObserver) ObserveAmount(kind ledger.EntryKind, amount decimal.Decimal) {
	LedgerAmount.WithLabelValues(string(kind)).Add(amount.InexactFloat64())
}

// Result classifies an operation error into a low-cardinality label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case ledger.IsNotFound(err):
		return "not_found"
	case ledger.IsRetryable(err):
		return "conflict"
	case errors.Is(err, ledger.ErrPartiallyApplied):
		return "partial"
	case ledger.IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Middleware records request counts and latency. Routes are labelled with
// the chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
