/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from environment variables
  2. Build the zap logger (pretty in development, JSON in production)
  3. Initialize SQLite store
  4. Create the ledger engine (store doubles as the audit log)
  5. Configure HTTP router and background reconciler
  6. Start server with graceful shutdown

CONFIGURATION (environment variables):
  APP_ENV              development | production
  APP_ADDR             Listen address (default :8080)
  DB_PATH              SQLite database path, ":memory:" for in-memory
  LOG_FORMAT           pretty | json
  RECONCILE_INTERVAL   Background consistency check interval (0 disables)
  CORS_ORIGINS         Comma-separated allowed origins

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop the reconciler
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vetdesk/ledger-engine/api"
	"github.com/vetdesk/ledger-engine/config"
	"github.com/vetdesk/ledger-engine/ledger"
	"github.com/vetdesk/ledger-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// The sqlite store carries the audit log as well
	engine := ledger.NewEngine(store,
		ledger.WithAuditLog(store),
		ledger.WithLogger(logger))

	handler := api.NewHandler(engine, store, logger)
	router := api.NewRouter(handler, cfg.Origins())

	reconciler := api.NewReconciler(store, logger, cfg.ReconcileInterval)
	reconciler.Start()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.AppAddr),
			zap.String("db", cfg.DBPath),
			zap.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	reconciler.Stop()
	logger.Info("server stopped")
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() || cfg.LogFormat == "json" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
