// Package evalapi serves the evaluation plane: a read-only, latency-sensitive
// HTTP API that answers flag decisions and variant assignments from cached
// definitions. Definitions flow in through the L1/L2 cache hierarchy (otter
// in-process, Redis snapshot behind it); nothing in this package writes them.
package evalapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcavalcanti/bifrost/internal/cache"
	"github.com/rcavalcanti/bifrost/internal/config"
	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/observability"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

// CachedSource is the eval plane's definition lookup: an L1 read-through over
// the shared Redis snapshot. It satisfies both engine.FlagSource and
// experiment.SegmentSource, so one instance feeds flag evaluation and variant
// assignment alike.
//
// L1 entries expire on TTL and on invalidation messages; either bound alone
// would do, together they cover both the slow-drift and the lost-message
// failure modes.
type CachedSource struct {
	snapshot cache.Snapshot

	flags       *cache.MemoryCache[*registry.FlagDefinition]
	segments    *cache.MemoryCache[*registry.SegmentRule]
	experiments *cache.MemoryCache[*experiment.Experiment]

	lookupTimeout time.Duration
	logger        *slog.Logger
}

// NewCachedSource builds the L1 caches and wraps the snapshot.
func NewCachedSource(snapshot cache.Snapshot, cfg config.EvalPlaneConfig, logger *slog.Logger) (*CachedSource, error) {
	if snapshot == nil {
		panic("evalapi: snapshot cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	flags, err := cache.NewMemoryCache[*registry.FlagDefinition](cfg.MemoryCacheCapacity, cfg.MemoryCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to build flag cache: %w", err)
	}
	segments, err := cache.NewMemoryCache[*registry.SegmentRule](cfg.MemoryCacheCapacity, cfg.MemoryCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to build segment cache: %w", err)
	}
	experiments, err := cache.NewMemoryCache[*experiment.Experiment](cfg.MemoryCacheCapacity, cfg.MemoryCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to build experiment cache: %w", err)
	}

	return &CachedSource{
		snapshot:      snapshot,
		flags:         flags,
		segments:      segments,
		experiments:   experiments,
		lookupTimeout: cfg.LookupTimeout,
		logger:        logger,
	}, nil
}

// Flag implements engine.FlagSource. Misses fall through to the snapshot;
// not-found is not negatively cached, so a flag created moments ago becomes
// visible on the next request rather than after a TTL.
func (s *CachedSource) Flag(ctx context.Context, key string) (*registry.FlagDefinition, error) {
	if def, ok := s.flags.Get(key); ok {
		observability.EvalCacheHits.Inc()
		return def, nil
	}
	observability.EvalCacheMisses.Inc()

	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	def, err := s.snapshot.GetFlag(ctx, key)
	if err != nil {
		return nil, err
	}
	s.flags.Set(key, def)
	return def, nil
}

// Segment implements engine.FlagSource and experiment.SegmentSource. The
// interface carries no context, so the L2 fetch runs under its own
// lookup-bounded one. Lookup failures degrade to "unknown segment", which the
// engine skips and variant assignment treats as out-of-audience.
func (s *CachedSource) Segment(name string) (*registry.SegmentRule, bool) {
	if rule, ok := s.segments.Get(name); ok {
		observability.EvalCacheHits.Inc()
		return rule, true
	}
	observability.EvalCacheMisses.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.lookupTimeout)
	defer cancel()

	rule, err := s.snapshot.GetSegment(ctx, name)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("segment lookup failed",
				slog.String("segment", name),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	s.segments.Set(name, rule)
	return rule, true
}

// Experiment returns the cached experiment definition or
// registry.ErrNotFound.
func (s *CachedSource) Experiment(ctx context.Context, key string) (*experiment.Experiment, error) {
	if e, ok := s.experiments.Get(key); ok {
		observability.EvalCacheHits.Inc()
		return e, nil
	}
	observability.EvalCacheMisses.Inc()

	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	e, err := s.snapshot.GetExperiment(ctx, key)
	if err != nil {
		return nil, err
	}
	s.experiments.Set(key, e)
	return e, nil
}

// Listen consumes invalidation messages until ctx is canceled, evicting the
// matching L1 entry so readers re-fetch from the snapshot. Runs in its own
// goroutine; the ctx error on shutdown is expected.
func (s *CachedSource) Listen(ctx context.Context) error {
	return s.snapshot.Subscribe(ctx, func(prefix, key string) {
		switch prefix {
		case cache.FlagPrefix:
			s.flags.Del(key)
		case cache.SegmentPrefix:
			s.segments.Del(key)
		case cache.ExperimentPrefix:
			s.experiments.Del(key)
		default:
			return
		}
		observability.EvalInvalidations.Inc()
		s.logger.Debug("cache entry invalidated",
			slog.String("kind", prefix),
			slog.String("key", key),
		)
	})
}

// HealthCheck reports whether the snapshot backend is reachable.
func (s *CachedSource) HealthCheck(ctx context.Context) error {
	return s.snapshot.HealthCheck(ctx)
}

// Close stops the L1 caches' background goroutines.
func (s *CachedSource) Close() {
	s.flags.Close()
	s.segments.Close()
	s.experiments.Close()
}
