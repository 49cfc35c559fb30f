/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the affiliate engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the SQLite store and apply migrations
  4. Wire the engine, handler and router
  5. Start the settlement scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DATABASE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler after its in-flight run
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  JWT_SECRET=dev ./server -db="./data/affiliate.db"

  # Run with in-memory database and demo scenarios
  JWT_SECRET=dev ENABLE_SCENARIOS=true ./server -db=":memory:"

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Settlement scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/api"
	"github.com/warp/affiliate-engine/config"
	"github.com/warp/affiliate-engine/logging"
	"github.com/warp/affiliate-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer cleanup()

	// Initialize store
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	defer store.Close()

	attributionSecret := cfg.AttributionSecret
	if attributionSecret == "" {
		attributionSecret = cfg.JWTSecret
	}
	engine := affiliate.New(store, affiliate.Options{
		Currency:          cfg.Currency,
		Window:            cfg.AttributionWindow,
		Retry:             affiliate.RetryPolicy{Attempts: cfg.Retry.Attempts, Backoff: cfg.Retry.Backoff},
		BcryptCost:        cfg.BcryptCost,
		AttributionSecret: attributionSecret,
	})

	handler := api.NewHandler(engine)
	handler.Cookie = api.CookieConfig{Name: cfg.CookieName, Secure: cfg.CookieSecure}
	handler.Health = store.Ping

	scheduler := api.NewSettlementScheduler(engine)
	scheduler.Enabled = cfg.Settlement.Enabled
	scheduler.CheckInterval = cfg.Settlement.Interval
	scheduler.Concurrency = cfg.Settlement.Concurrency
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, api.RouterConfig{
		Auth:            api.NewAuthenticator(cfg.JWTSecret),
		AllowedOrigins:  cfg.CORSOrigins,
		EnableScenarios: cfg.EnableScenarios,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("db", cfg.DatabasePath),
			zap.Bool("scenarios", cfg.EnableScenarios))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop()

	logger.Info("server stopped")
}
