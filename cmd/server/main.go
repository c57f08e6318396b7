/*
main.go - Application entry point

PURPOSE:
  Starts the cash-book ledger server. Loads configuration, opens the
  configured store and reference directory, wires the ledger, HTTP router
  and reconciliation scheduler, and shuts down gracefully.

STARTUP SEQUENCE:
  1. Load config (.env, config.yaml, environment) and apply flags
  2. Open store (memory | sqlite | postgres)
  3. Connect reference directory (Redis, or in-memory fallback)
  4. Build ledger, metrics, handler and router
  5. Start scheduler and HTTP server

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port
  -db      SQLite database path (":memory:" for a throwaway database)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close store and Redis connections

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/cashbook"
	"github.com/warp/ledger-engine/cashbook/store"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/reference"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("Configuration value ignored", "detail", w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	txStore, health, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore.Close()
	logger.Info("Store ready", "driver", cfg.StoreDriver)

	dir, closeDir := openDirectory(ctx, cfg, logger)
	defer closeDir.Close()

	metrics := api.NewMetrics()
	ledger := cashbook.New(txStore,
		cashbook.WithValidator(cashbook.NewValidator(cfg.ValidatorConfig())),
		cashbook.WithReferenceDirectory(dir),
		cashbook.WithLogger(logger),
		cashbook.WithObserver(metrics),
	)

	handler := api.NewHandler(ledger, dir)
	scheduler := api.NewReconciliationScheduler(handler.Reconciler, metrics, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.KeepRuns = cfg.ReconcileKeepRuns
	handler.Scheduler = scheduler

	router, err := api.NewRouter(handler, api.RouterOptions{
		Logger:         logger,
		Metrics:        metrics,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Health:         health,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()
	defer scheduler.Stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("Shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openStore(ctx context.Context, cfg *config.Config) (cashbook.TxStore, func(context.Context) error, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewTxMemory(), nil, closerFunc(func() error { return nil }), nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, s, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, s, nil
	}
}

// openDirectory connects to Redis when configured. An unreachable Redis
// degrades to an empty in-memory directory, which only affects warnings.
func openDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (reference.Directory, io.Closer) {
	noop := closerFunc(func() error { return nil })
	if cfg.RedisAddr == "" {
		return reference.NewMemory(), noop
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	dir := reference.NewRedis(client)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dir.Ping(pingCtx); err != nil {
		logger.Warn("Redis connection failed, using in-memory reference directory", "addr", cfg.RedisAddr, "error", err)
		client.Close()
		return reference.NewMemory(), noop
	}

	logger.Info("Redis reference directory connected", "addr", cfg.RedisAddr)
	return dir, client
}
