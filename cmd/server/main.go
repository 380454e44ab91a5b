/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the classfund server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), parse flags
  2. Initialize SQLite store
  3. Build the ledger, optional join rate limiter and the auditor
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port         HTTP server port (overrides PORT)
  -db           SQLite database path (overrides DB_PATH)
                Use ":memory:" for in-memory database
  -issue-token  Print a development bearer token for the given user id and exit
  -name         Display name for -issue-token

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor, close Redis and the database
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/classfund.db"

  # Token for local testing
  ./server -issue-token=alice -name="Alice"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/classfund/api"
	"github.com/warp/classfund/audit"
	"github.com/warp/classfund/config"
	"github.com/warp/classfund/ledger"
	"github.com/warp/classfund/logging"
	"github.com/warp/classfund/metrics"
	"github.com/warp/classfund/ratelimit"
	"github.com/warp/classfund/store/sqlite"
)

const tokenDuration = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	issueToken := flag.String("issue-token", "", "print a bearer token for this user id and exit")
	name := flag.String("name", "", "display name for -issue-token")
	flag.Parse()

	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	auth := api.NewJWTManager(cfg.JWTSecret, tokenDuration)

	if *issueToken != "" {
		token, err := auth.Generate(ledger.Actor{ID: ledger.UserID(*issueToken), Name: *name})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		return
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Str("db", *dbPath).Msg("failed to initialize database")
	}
	defer store.Close()

	l := ledger.New(store,
		ledger.WithLogger(logger),
		ledger.WithObserver(metrics.LedgerObserver{}),
		ledger.WithChunkSize(cfg.LedgerChunkSize),
		ledger.WithMaxTxWrites(cfg.LedgerMaxTxWrites),
	)

	// Join rate limiter
	routerCfg := api.RouterConfig{
		Auth:            auth,
		CORSOrigins:     cfg.CORSOrigins,
		EnableScenarios: cfg.EnableScenarios,
	}
	if cfg.EnableScenarios {
		logger.Warn().Msg("demo scenarios enabled, loading one wipes the database")
	}
	if cfg.JoinRateLimited() {
		limiter, err := ratelimit.NewRedisLimiter(context.Background(), cfg.RedisURL, cfg.JoinRateLimit, cfg.JoinRateWindow)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, join rate limiting disabled")
		} else {
			defer limiter.Close()
			routerCfg.JoinLimiter = limiter
			logger.Info().Int("limit", cfg.JoinRateLimit).Dur("window", cfg.JoinRateWindow).Msg("join rate limiting enabled")
		}
	}

	// Auditor
	scheduler := audit.NewScheduler(audit.NewAuditor(store), store, logger)
	scheduler.CheckInterval = cfg.AuditInterval
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(l, logger)
	handler.Ping = store.Ping
	handler.Reset = store.Reset
	router := api.NewRouter(handler, routerCfg)

	// Create server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", server.Addr).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
