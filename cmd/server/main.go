// Command server runs the memory engine's HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/api"
	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/core"
	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/embedding"
	"github.com/anima-ai/anima/internal/observability"
	"github.com/anima-ai/anima/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if cfg.Database.MigrateOnStart {
		if err := db.RunMigrations(ctx, cfg.Embedding.Dim); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("schema migrations applied")
	}

	cache := embedding.NewCache(cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL)
	gateway, err := embedding.NewGateway(cfg.Embedding, cache, logger)
	if err != nil {
		return fmt.Errorf("build embedding gateway: %w", err)
	}

	pool := worker.NewPool(cfg.Worker, logger)
	engine := core.New(cfg, db, gateway, pool, logger)

	maintenanceCtx, stopMaintenance := context.WithCancel(context.Background())
	defer stopMaintenance()
	go engine.RunMaintenance(maintenanceCtx)

	server := api.NewServer(cfg.Server, engine, db, gateway, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("engine started",
		zap.Int("port", cfg.Server.Port),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("embedding_dim", cfg.Embedding.Dim),
		zap.Bool("consolidation", cfg.Consolidation.Enabled()),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	stopMaintenance()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancelDrain()
	if err := pool.Shutdown(drainCtx); err != nil {
		logger.Warn("worker pool shutdown incomplete", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
