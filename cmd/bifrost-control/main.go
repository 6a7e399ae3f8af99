// bifrost-control is the management plane: the authenticated REST API for
// flag, segment, experiment and rollout administration, plus the rollout
// runner that drives staged percentage schedules.
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

	"github.com/rcavalcanti/bifrost/internal/config"
	"github.com/rcavalcanti/bifrost/internal/controlapi"
	"github.com/rcavalcanti/bifrost/internal/database"
	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/observability"
	"github.com/rcavalcanti/bifrost/internal/registry"
	"github.com/rcavalcanti/bifrost/internal/rollout"
	"github.com/rcavalcanti/bifrost/internal/store"
	"github.com/rcavalcanti/bifrost/internal/traffic"
)

func main() {
	if err := run(); err != nil {
		slog.Error("control plane exited with error", slog.String("error", err.Error()))
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

	pool, err := database.NewPostgresPool(ctx, &cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	repo := store.NewPostgresStore(pool)

	reg := registry.New()
	experiments := experiment.New(reg, log)
	if err := loadDefinitions(ctx, repo, reg, experiments, log); err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}

	var rollouts *rollout.Controller
	if cfg.Rollout.Enabled {
		source, err := buildMetricsSource(cfg, log)
		if err != nil {
			return err
		}

		gate := rollout.NewMetricsGate(source, log, cfg.Rollout.GateTimeout)
		rollouts = rollout.NewController(reg, repo, gate, log,
			rollout.WithTrafficSetter(traffic.LogSetter{Logger: log}),
		)

		runner := rollout.NewRunner(rollouts, log, cfg.Rollout.TickInterval)
		go func() {
			if err := runner.Run(ctx); err != nil {
				log.Error("rollout runner stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		log.Warn("rollout runner disabled, rollout endpoints will answer 503")
	}

	obs := observability.NewServer(log, &cfg.Observability, database.NewHealthChecker(pool))
	obs.Start()

	api := controlapi.NewAPI(controlapi.Deps{
		Registry:    reg,
		Experiments: experiments,
		Rollouts:    rollouts,
		Store:       repo,
		Logger:      log,
	}, cfg.Server.Control.APIKeyHash)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Control.Host, cfg.Server.Control.Port),
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.Control.ReadTimeout,
		WriteTimeout:      cfg.Server.Control.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.Control.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.Control.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.Control.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control plane listening",
			slog.String("addr", server.Addr),
			slog.Bool("tls", cfg.Server.Control.TLSEnabled),
		)

		var serveErr error
		if cfg.Server.Control.TLSEnabled {
			serveErr = server.ListenAndServeTLS(cfg.Server.Control.TLSCert, cfg.Server.Control.TLSKey)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control plane server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down control plane")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control plane shutdown failed: %w", err)
	}
	return obs.Shutdown(shutdownCtx)
}

// loadDefinitions hydrates the in-memory registry and experiment controller
// from Postgres at boot. Segments load first so flag definitions never
// reference a rule the registry has not seen.
func loadDefinitions(ctx context.Context, repo *store.PostgresStore, reg *registry.Registry, experiments *experiment.Controller, log *slog.Logger) error {
	segments, err := repo.ListSegments(ctx)
	if err != nil {
		return err
	}
	for _, rule := range segments {
		if err := reg.RegisterSegment(*rule); err != nil {
			return fmt.Errorf("segment %q: %w", rule.Name, err)
		}
	}

	flags, err := repo.ListFlags(ctx)
	if err != nil {
		return err
	}
	for _, def := range flags {
		if err := reg.Define(*def); err != nil {
			return fmt.Errorf("flag %q: %w", def.Key, err)
		}
	}

	defs, err := repo.ListExperiments(ctx)
	if err != nil {
		return err
	}
	for _, e := range defs {
		if err := experiments.Define(e); err != nil {
			return fmt.Errorf("experiment %q: %w", e.Key, err)
		}
	}

	log.Info("definitions loaded",
		slog.Int("flags", len(flags)),
		slog.Int("segments", len(segments)),
		slog.Int("experiments", len(defs)),
	)
	return nil
}

// buildMetricsSource connects the gate to Prometheus, or to a source that
// always answers unavailable when no backend is configured. The latter keeps
// active rollouts holding rather than promoting without evidence.
func buildMetricsSource(cfg *config.Config, log *slog.Logger) (rollout.MetricsSource, error) {
	if cfg.Rollout.MetricsURL == "" {
		log.Warn("no rollout metrics backend configured, gates will hold")
		return noMetrics{}, nil
	}

	source, err := rollout.NewPrometheusSource(cfg.Rollout.MetricsURL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics source: %w", err)
	}
	return source, nil
}

type noMetrics struct{}

func (noMetrics) QueryAggregate(context.Context, rollout.CohortSelector, string, rollout.TimeWindow) (float64, error) {
	return 0, rollout.ErrUnavailable
}
