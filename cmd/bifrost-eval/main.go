// bifrost-eval is the evaluation plane: the unauthenticated, read-only HTTP
// API that answers flag decisions and variant assignments from the Redis
// snapshot through an in-process cache.
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

	"github.com/rcavalcanti/bifrost/internal/analytics"
	"github.com/rcavalcanti/bifrost/internal/cache"
	"github.com/rcavalcanti/bifrost/internal/config"
	"github.com/rcavalcanti/bifrost/internal/evalapi"
	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("eval plane exited with error", slog.String("error", err.Error()))
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	snapshot := cache.NewRedisSnapshot(client)
	defer snapshot.Close()

	source, err := evalapi.NewCachedSource(snapshot, cfg.Server.Eval, log)
	if err != nil {
		return fmt.Errorf("failed to build definition source: %w", err)
	}
	defer source.Close()

	// The invalidation listener keeps L1 fresher than its TTL. It dies with
	// the root context.
	go func() {
		if err := source.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("invalidation listener stopped", slog.String("error", err.Error()))
		}
	}()

	var emitter analytics.Emitter
	if cfg.Analytics.Stream != "" {
		emitter = analytics.NewRedisEmitter(client, cfg.Analytics.Stream, cfg.Analytics.StreamMaxLen)
		log.Info("analytics streaming to redis", slog.String("stream", cfg.Analytics.Stream))
	} else {
		emitter = analytics.LogEmitter{Logger: log}
		log.Warn("no analytics stream configured, events go to the log")
	}

	obs := observability.NewServer(log, &cfg.Observability, cache.NewHealthChecker(client))
	obs.Start()

	api := evalapi.NewAPI(evalapi.Deps{
		Source:  source,
		Emitter: emitter,
		Logger:  log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Eval.Host, cfg.Server.Eval.Port),
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.Eval.ReadTimeout,
		WriteTimeout:      cfg.Server.Eval.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.Eval.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.Eval.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("eval plane listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("eval plane server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down eval plane")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("eval plane shutdown failed: %w", err)
	}
	return obs.Shutdown(shutdownCtx)
}
