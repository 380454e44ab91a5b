/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /healthz           Liveness (public)
  /metrics           Prometheus scrape (public)
  /api/rooms/*       Rooms, ledger and views (bearer token)
  /api/me/*          Caller's room indexes (bearer token)
  /api/scenarios/*   Demo data loaders (bearer token, development only)

RATE LIMITING:
  POST /api/rooms/join is limited per caller when a limiter is configured,
  which keeps join-code guessing slow.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/classfund/logging"
	"github.com/warp/classfund/metrics"
	"github.com/warp/classfund/ratelimit"
)

// RouterConfig holds the router's collaborators.
type RouterConfig struct {
	Auth        *JWTManager
	JoinLimiter ratelimit.Limiter // nil disables join rate limiting
	CORSOrigins []string
	// EnableScenarios mounts the demo scenario routes, which reset the database.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireAuth(cfg.Auth))

		// Room routes
		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", h.CreateRoom)
			r.With(ratelimit.Middleware(cfg.JoinLimiter, actorKeyFunc, h.Log)).Post("/join", h.JoinRoom)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRoom)
				r.Put("/", h.UpdateRoom)
				r.Delete("/", h.DeleteRoom)
				r.Post("/archive", h.ArchiveRoom)
				r.Post("/leave", h.LeaveRoom)

				// Ledger
				r.Post("/expenses", h.AddExpense)
				r.Post("/deadlines", h.AddDeadline)
				r.Post("/payments", h.AddPayment)
				r.Get("/transactions", h.ListTransactions)
				r.Post("/transactions/{txID}/seen", h.MarkSeen)

				// Views
				r.Get("/accounts", h.ListAccounts)
				r.Get("/statement", h.GetStatement)
				r.Get("/summary", h.GetSummary)
			})
		})

		// Caller routes
		r.Route("/me", func(r chi.Router) {
			r.Get("/rooms", h.ListMyRooms)
			r.Get("/created-rooms", h.ListCreatedRooms)
		})

		if cfg.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
