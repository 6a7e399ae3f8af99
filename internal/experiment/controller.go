package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcavalcanti/bifrost/internal/analytics"
	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/observability"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

// Controller owns the in-memory experiment set and resolves variants.
//
// Like the flag registry it is copy-on-write: definitions are cloned on the
// way in and never mutated afterwards, so lookups can hand out pointers
// without holding the lock during hashing.
type Controller struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment

	segments SegmentSource
	emitter  analytics.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, for tests exercising active windows.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithEmitter sets the analytics collaborator for conversion events. Without
// one, conversions are logged and dropped.
func WithEmitter(emitter analytics.Emitter) Option {
	return func(c *Controller) {
		c.emitter = emitter
	}
}

// New creates a Controller. segments resolves audience segment references
// and may be nil when no experiment uses an audience.
func New(segments SegmentSource, log *slog.Logger, opts ...Option) *Controller {
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		experiments: make(map[string]*Experiment),
		segments:    segments,
		logger:      log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Define registers or updates an experiment. Updates may change the
// description, audience and window, but never the variant set: a different
// split requires a new key so existing subjects are not reshuffled in place.
func (c *Controller) Define(e *Experiment) error {
	if e == nil {
		return fmt.Errorf("%w: experiment cannot be nil", registry.ErrValidation)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.experiments[e.Key]; ok && !sameVariants(existing.Variants, e.Variants) {
		return fmt.Errorf("experiment %q: %w", e.Key, ErrVariantsChanged)
	}

	c.experiments[e.Key] = e.clone()
	return nil
}

// Get returns the experiment for key, or registry.ErrNotFound.
func (c *Controller) Get(key string) (*Experiment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.experiments[key]
	if !ok {
		return nil, fmt.Errorf("experiment %q: %w", key, registry.ErrNotFound)
	}
	return e, nil
}

// Delete removes the experiment. Missing keys answer registry.ErrNotFound.
func (c *Controller) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.experiments[key]; !ok {
		return fmt.Errorf("experiment %q: %w", key, registry.ErrNotFound)
	}
	delete(c.experiments, key)
	return nil
}

// Keys lists defined experiment keys in lexical order.
func (c *Controller) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SortedKeys(c.experiments)
}

// VariantFor resolves the subject's variant for the experiment. Unknown
// experiments answer registry.ErrNotFound; everything else resolves to some
// variant, control being the universal fallback.
func (c *Controller) VariantFor(ctx context.Context, key string, subject registry.Subject) (string, error) {
	e, err := c.Get(key)
	if err != nil {
		return "", err
	}

	variant := Resolve(e, c.segments, subject, c.now())
	observability.VariantAssignments.WithLabelValues(key).Inc()

	logger.FromContext(ctx).Debug("variant resolved",
		slog.String("experiment_key", key),
		slog.String("subject_id", subject.ID),
		slog.String("variant", variant),
	)
	return variant, nil
}

// RecordConversion attributes a conversion to the subject's variant and
// forwards it to the analytics collaborator. The variant is recomputed here
// rather than trusted from the caller, so attribution cannot be spoofed.
// An empty eventName falls back to "conversion".
func (c *Controller) RecordConversion(ctx context.Context, key string, subject registry.Subject, eventName string, value float64) error {
	variant, err := c.VariantFor(ctx, key, subject)
	if err != nil {
		return err
	}

	if eventName == "" {
		eventName = "conversion"
	}
	event := analytics.NewEvent(eventName, map[string]any{
		"experiment_key": key,
		"subject_id":     subject.ID,
		"variant":        variant,
		"value":          value,
	})

	if c.emitter == nil {
		logger.FromContext(ctx).Info("conversion recorded without emitter",
			slog.String("experiment_key", key),
			slog.String("variant", variant),
		)
		return nil
	}

	if err := c.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit conversion for experiment %q: %w", key, err)
	}
	return nil
}
