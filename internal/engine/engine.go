// Package engine implements flag evaluation: given a flag key and a subject,
// decide whether the flag is enabled, applying targeting rules in a fixed
// precedence order.
//
// Evaluation is a pure, non-blocking read over the flag source. It never
// returns an error to callers: unknown flags, expired windows and broken
// definitions all fail closed to false, because flag checks sit on hot
// request paths and must not crash them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rcavalcanti/bifrost/internal/bucket"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

// maxDependencyDepth bounds recursive dependency evaluation. Cycles are
// rejected at define time by the registry, but the evaluation plane can see
// flags synced from elsewhere, so the engine still refuses to loop forever.
const maxDependencyDepth = 16

// FlagSource supplies flag definitions and segment rules to the engine.
// The control plane backs it with the in-memory registry; the evaluation
// plane backs it with an L1/L2 cache read-through.
type FlagSource interface {
	// Flag returns the definition for key or registry.ErrNotFound.
	Flag(ctx context.Context, key string) (*registry.FlagDefinition, error)

	// Segment returns the named segment rule, if known.
	Segment(name string) (*registry.SegmentRule, bool)
}

// RegistrySource adapts a *registry.Registry to the FlagSource interface.
type RegistrySource struct {
	Registry *registry.Registry
}

func (s RegistrySource) Flag(_ context.Context, key string) (*registry.FlagDefinition, error) {
	return s.Registry.Get(key)
}

func (s RegistrySource) Segment(name string) (*registry.SegmentRule, bool) {
	return s.Registry.Segment(name)
}

// Engine evaluates flags against subjects.
type Engine struct {
	source FlagSource
	logger *slog.Logger

	// now is injectable so tests can pin the clock for window checks.
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for active-window checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an evaluation engine over the given flag source.
// If logger is nil, it defaults to slog.Default().
func New(source FlagSource, logger *slog.Logger, opts ...Option) *Engine {
	if source == nil {
		panic("engine: flag source cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		source: source,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsEnabled reports whether the flag is enabled for the subject.
func (e *Engine) IsEnabled(ctx context.Context, flagKey string, subject registry.Subject) bool {
	return e.Evaluate(ctx, flagKey, subject).Enabled
}

// Evaluate applies the targeting rules in precedence order and returns the
// decision with its reason. First match wins:
//
//  1. Flag not found                          -> false (fail closed)
//  2. Kill switch off                         -> false
//  3. Outside the active window               -> false
//  4. Any dependency false for this subject   -> false
//  5. Subject explicitly allow-listed         -> true
//  6. Subject matches an allowed segment      -> true
//  7. Bucket under the rollout percentage     -> true, else false
//
// Allow lists and segments deliberately sit above the percentage check:
// pinned subjects must never be affected by rollout changes.
func (e *Engine) Evaluate(ctx context.Context, flagKey string, subject registry.Subject) Result {
	return e.evaluate(ctx, flagKey, subject, make(map[string]struct{}), 0)
}

func (e *Engine) evaluate(ctx context.Context, flagKey string, subject registry.Subject, visiting map[string]struct{}, depth int) Result {
	if depth > maxDependencyDepth {
		e.logger.Warn("dependency chain too deep, failing closed", slog.String("flag_key", flagKey))
		return Result{Enabled: false, Reason: ReasonDependency}
	}
	if _, seen := visiting[flagKey]; seen {
		// Should be unreachable for flags defined through the registry;
		// defends against cycles introduced through external sync paths.
		e.logger.Warn("dependency cycle at evaluation time, failing closed", slog.String("flag_key", flagKey))
		return Result{Enabled: false, Reason: ReasonDependency}
	}

	def, err := e.source.Flag(ctx, flagKey)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			e.logger.Error("flag lookup failed, failing closed",
				slog.String("flag_key", flagKey),
				slog.String("error", err.Error()),
			)
		}
		return Result{Enabled: false, Reason: ReasonNotFound}
	}

	if !def.Enabled {
		return Result{Enabled: false, Reason: ReasonDisabled}
	}

	if !def.ActiveWindow.Contains(e.now()) {
		return Result{Enabled: false, Reason: ReasonWindow}
	}

	if len(def.Dependencies) > 0 {
		visiting[flagKey] = struct{}{}
		for _, dep := range def.Dependencies {
			if !e.evaluate(ctx, dep, subject, visiting, depth+1).Enabled {
				delete(visiting, flagKey)
				return Result{Enabled: false, Reason: ReasonDependency}
			}
		}
		delete(visiting, flagKey)
	}

	if def.HasSubject(subject.ID) {
		return Result{Enabled: true, Reason: ReasonPinned}
	}

	for _, name := range def.AllowedSegments {
		rule, ok := e.source.Segment(name)
		if !ok {
			// Unknown segment references are skipped, not fatal: the segment
			// may simply not be registered in this process yet.
			e.logger.Warn("skipping unknown segment",
				slog.String("flag_key", flagKey),
				slog.String("segment", name),
			)
			continue
		}
		if rule.Matches(subject) {
			return Result{Enabled: true, Reason: ReasonSegment}
		}
	}

	// An empty subject id still buckets deterministically: at 100% everyone
	// is in, anonymous callers included.
	if bucket.In(subject.ID, flagKey, def.RolloutPercentage) {
		return Result{Enabled: true, Reason: ReasonRollout}
	}

	return Result{Enabled: false, Reason: ReasonNoMatch}
}
