// Package syncer implements the background worker that propagates flag,
// segment and experiment definitions from the control plane (PostgreSQL)
// to the eval plane snapshot (Redis).
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcavalcanti/bifrost/internal/cache"
	"github.com/rcavalcanti/bifrost/internal/config"
	"github.com/rcavalcanti/bifrost/internal/observability"
	"github.com/rcavalcanti/bifrost/internal/store"
)

// Repository is the slice of the store the syncer reads.
type Repository interface {
	store.FlagRepository
	store.SegmentRepository
	store.ExperimentRepository
}

// Service orchestrates the synchronization loop.
type Service struct {
	logger   *slog.Logger
	cfg      config.SyncerConfig
	repo     Repository
	snapshot cache.Snapshot
}

// New creates a new syncer service.
func New(logger *slog.Logger, cfg config.SyncerConfig, repo Repository, snapshot cache.Snapshot) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if repo == nil {
		panic("syncer: repository cannot be nil")
	}
	if snapshot == nil {
		panic("syncer: snapshot store cannot be nil")
	}

	if cfg.Interval < time.Second {
		cfg.Interval = 10 * time.Second // Safe default
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Second
	}

	return &Service{
		logger:   logger,
		cfg:      cfg,
		repo:     repo,
		snapshot: snapshot,
	}
}

// Run starts the sync loop. It blocks until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("concurrency", s.cfg.Concurrency),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run once immediately so a fresh Redis is hydrated before the first tick.
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer service stopping")
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle wraps one cycle with its timeout and metrics. Failures are logged
// and retried on the next tick, never fatal.
func (s *Service) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	start := time.Now()
	if err := s.sync(cycleCtx); err != nil {
		observability.SyncerJobsTotal.WithLabelValues("error").Inc()
		s.logger.Error("sync cycle failed", slog.Any("error", err))
		return
	}

	observability.SyncerJobsTotal.WithLabelValues("ok").Inc()
	observability.SyncerCycleDuration.Observe(time.Since(start).Seconds())
}

// sync performs a single full cycle: read everything from Postgres, write
// everything to Redis. Per-entry failures skip the entry so one bad record
// cannot wedge the whole snapshot.
func (s *Service) sync(ctx context.Context) error {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return err
	}
	segments, err := s.repo.ListSegments(ctx)
	if err != nil {
		return err
	}
	experiments, err := s.repo.ListExperiments(ctx)
	if err != nil {
		return err
	}

	// Segments first: a flag referencing a segment should never land in
	// Redis ahead of the segment it needs.
	var (
		synced int
		failed int
		mu     sync.Mutex
	)

	record := func(key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
			s.logger.Warn("failed to sync definition",
				slog.String("key", key),
				slog.Any("error", err),
			)
			return
		}
		synced++
	}

	for _, rule := range segments {
		record(rule.Name, s.snapshot.SetSegment(ctx, rule))
	}

	// Flags and experiments fan out across a bounded worker set.
	type job func() (string, error)
	jobs := make([]job, 0, len(flags)+len(experiments))
	for _, def := range flags {
		def := def
		jobs = append(jobs, func() (string, error) {
			return def.Key, s.snapshot.SetFlag(ctx, def)
		})
	}
	for _, e := range experiments {
		e := e
		jobs = append(jobs, func() (string, error) {
			return e.Key, s.snapshot.SetExperiment(ctx, e)
		})
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Concurrency)
	for _, j := range jobs {
		j := j
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			key, err := j()
			record(key, err)
		}()
	}
	wg.Wait()

	if synced > 0 || failed > 0 {
		s.logger.Info("sync cycle completed",
			slog.Int("synced", synced),
			slog.Int("failed", failed),
		)
	}
	return nil
}
