/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags and resolve configuration (flags > env > file > defaults)
  2. Build the slog logger
  3. Initialize SQLite store (runs migrations)
  4. Install the OpenTelemetry meter provider, then build the engine,
     sweeper and the cron scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (cancels and waits for an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush metrics
  5. Close database connection

EXAMPLES:
  # Run with file database
  ./server --db="./data/points.db"

  # Run with in-memory database, sweeping every minute
  ./server --db=":memory:" --sweep-schedule="@every 1m"

  # Same via environment
  POINTS_DATABASE_PATH=":memory:" POINTS_LOG_FORMAT=json ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/store/sqlite"
	"github.com/warp/points-engine/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "points-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("points-engine", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	provider, err := telemetry.InitProvider(context.Background(), telemetry.ProviderConfig{
		Enabled:  cfg.Metrics.Enabled,
		Exporter: cfg.Metrics.Exporter,
		Interval: cfg.Metrics.Interval,
	})
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	engine := generic.NewEngine(store, generic.SystemClock{}, logger, provider.Metrics)
	handler := api.NewHandler(engine)

	scheduler, err := api.NewExpirationScheduler(handler.Sweeper, cfg.Sweeper.Schedule, logger)
	if err != nil {
		return err
	}
	scheduler.Enabled = cfg.Sweeper.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, cfg.Server.CORSOrigins...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"database", cfg.Database.Path,
			"sweeper", cfg.Sweeper.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
