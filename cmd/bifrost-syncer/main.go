// bifrost-syncer propagates definitions from Postgres (the control plane's
// source of truth) into the Redis snapshot the evaluation plane reads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcavalcanti/bifrost/internal/cache"
	"github.com/rcavalcanti/bifrost/internal/config"
	"github.com/rcavalcanti/bifrost/internal/database"
	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/observability"
	"github.com/rcavalcanti/bifrost/internal/store"
	"github.com/rcavalcanti/bifrost/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("syncer exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	if !cfg.Syncer.Enabled {
		log.Warn("syncer is disabled, exiting")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, &cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	client, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	snapshot := cache.NewRedisSnapshot(client)
	defer snapshot.Close()

	obs := observability.NewServer(log, &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(client),
	)
	obs.Start()

	service := syncer.New(log, cfg.Syncer, store.NewPostgresStore(pool), snapshot)
	if err := service.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("syncer failed: %w", err)
	}

	log.Info("shutting down syncer")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	return obs.Shutdown(shutdownCtx)
}
