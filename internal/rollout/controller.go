// Package rollout drives flags through staged percentage schedules with
// metrics-gated auto-promotion.
//
// The controller is externally driven: it owns no timer. A scheduler (the
// Runner in this package, cron, or an operator script) calls Tick with an
// explicit time, which keeps the state machine testable without wall-clock
// waits or hidden background tasks.
package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rcavalcanti/bifrost/internal/observability"
	"github.com/rcavalcanti/bifrost/internal/registry"
	"github.com/rcavalcanti/bifrost/internal/traffic"
)

// run is the mutable progress of one schedule. Each run carries its own
// mutex so transitions serialize per flag key while rollouts for different
// flags proceed independently.
type run struct {
	mu sync.Mutex

	schedule        Schedule
	state           State
	stageIndex      int
	stageStartedAt  time.Time
	lastEvaluatedAt time.Time

	// lastGood is the highest percentage that fully passed its gate.
	// Recorded for operators; the rollback policy still reverts to 0.
	lastGood int
}

// FlagStore persists percentage writes. The registry alone is process-local
// memory: without the store write, a promotion would never reach the syncer
// (and through it the evaluation plane) and would vanish on restart.
type FlagStore interface {
	UpdateFlag(ctx context.Context, def *registry.FlagDefinition) error
}

// Controller owns all rollout schedules and is the only component that
// mutates FlagDefinition.RolloutPercentage (through the registry's single
// write path, persisted via the flag store).
type Controller struct {
	mu   sync.Mutex
	runs map[string]*run

	registry *registry.Registry
	flags    FlagStore
	gate     Gate
	traffic  traffic.Setter // optional fan-out, may be nil
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithTrafficSetter enables fan-out of percentage writes to the deployment
// collaborator for schedules that carry a ServiceRef.
func WithTrafficSetter(setter traffic.Setter) Option {
	return func(c *Controller) { c.traffic = setter }
}

// NewController creates a rollout controller.
func NewController(reg *registry.Registry, flags FlagStore, gate Gate, logger *slog.Logger, opts ...Option) *Controller {
	if reg == nil {
		panic("rollout: registry cannot be nil")
	}
	if flags == nil {
		panic("rollout: flag store cannot be nil")
	}
	if gate == nil {
		panic("rollout: gate cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		runs:     make(map[string]*run),
		registry: reg,
		flags:    flags,
		gate:     gate,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins a rollout: validates the schedule, writes the first stage's
// percentage, and enters Staging(0). Starting a flag that already has a
// non-terminal rollout fails.
func (c *Controller) Start(ctx context.Context, schedule Schedule, now time.Time) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	if _, err := c.registry.Get(schedule.FlagKey); err != nil {
		return err
	}

	c.mu.Lock()
	if existing, ok := c.runs[schedule.FlagKey]; ok {
		existing.mu.Lock()
		terminal := existing.state == StateComplete || existing.state == StateRolledBack
		existing.mu.Unlock()
		if !terminal {
			c.mu.Unlock()
			return fmt.Errorf("%w: rollout already active for flag %q", registry.ErrValidation, schedule.FlagKey)
		}
	}

	r := &run{
		schedule:       schedule,
		state:          StateStaging,
		stageIndex:     0,
		stageStartedAt: now,
	}
	c.runs[schedule.FlagKey] = r
	c.mu.Unlock()

	if err := c.writePercentage(ctx, &schedule, schedule.Stages[0]); err != nil {
		return err
	}

	c.logger.Info("rollout started",
		slog.String("flag_key", schedule.FlagKey),
		slog.Any("stages", schedule.Stages),
		slog.Duration("stage_duration", schedule.StageDuration),
	)
	return nil
}

// Tick advances the rollout for flagKey if its current stage has dwelled
// long enough. It is idempotent within a dwell window: re-invoking with a
// time at or before the last evaluation is a safe no-op, so retried ticks
// can never double-promote.
func (c *Controller) Tick(ctx context.Context, flagKey string, now time.Time) (State, error) {
	r, err := c.get(flagKey)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateComplete, StateRolledBack, StatePaused:
		return r.state, nil
	}

	// Still dwelling.
	if now.Before(r.stageStartedAt.Add(r.schedule.StageDuration)) {
		return r.state, nil
	}

	// Duplicate tick within the same evaluation instant.
	if !r.lastEvaluatedAt.IsZero() && !now.After(r.lastEvaluatedAt) {
		return r.state, nil
	}

	window := TimeWindow{From: r.stageStartedAt, To: now}
	decision := c.gate.Evaluate(ctx, &r.schedule, window)
	r.lastEvaluatedAt = now
	observability.RolloutGateDecisions.WithLabelValues(string(decision)).Inc()

	switch decision {
	case Promote:
		return c.promoteLocked(ctx, r, now)

	case Rollback:
		return c.rollbackLocked(ctx, r, "gate")

	case Unknown:
		// Missing data never promotes. Surface a warning for the operational
		// collaborator and hold at the current percentage.
		c.logger.Warn("rollout holding on unknown metrics",
			slog.String("flag_key", r.schedule.FlagKey),
			slog.Int("stage_index", r.stageIndex),
		)
		observability.RolloutTransitions.WithLabelValues("hold").Inc()
		return r.state, nil

	default: // Hold
		c.logger.Info("rollout holding",
			slog.String("flag_key", r.schedule.FlagKey),
			slog.Int("stage_index", r.stageIndex),
			slog.Int("percentage", r.schedule.Stages[r.stageIndex]),
		)
		observability.RolloutTransitions.WithLabelValues("hold").Inc()
		return r.state, nil
	}
}

// Pause suspends tick processing without altering the percentage.
func (c *Controller) Pause(flagKey string) error {
	r, err := c.get(flagKey)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateStaging {
		return fmt.Errorf("%w: rollout for %q is %s, cannot pause", registry.ErrValidation, flagKey, r.state)
	}
	r.state = StatePaused
	c.logger.Info("rollout paused", slog.String("flag_key", flagKey))
	return nil
}

// Resume re-enables tick processing. The stage timer is reset so the stage
// dwells a full duration after the pause, rather than promoting immediately
// on stale pre-pause metrics.
func (c *Controller) Resume(flagKey string, now time.Time) error {
	r, err := c.get(flagKey)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePaused {
		return fmt.Errorf("%w: rollout for %q is %s, cannot resume", registry.ErrValidation, flagKey, r.state)
	}
	r.state = StateStaging
	r.stageStartedAt = now
	r.lastEvaluatedAt = time.Time{}
	c.logger.Info("rollout resumed", slog.String("flag_key", flagKey))
	return nil
}

// ManualRollback immediately reverts the rollout regardless of the gate.
func (c *Controller) ManualRollback(ctx context.Context, flagKey string) error {
	r, err := c.get(flagKey)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateComplete || r.state == StateRolledBack {
		return fmt.Errorf("%w: rollout for %q is already %s", registry.ErrValidation, flagKey, r.state)
	}
	_, err = c.rollbackLocked(ctx, r, "operator")
	return err
}

// Status returns a snapshot of the rollout's progress.
func (c *Controller) Status(flagKey string) (Status, error) {
	r, err := c.get(flagKey)
	if err != nil {
		return Status{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pct := 0
	switch r.state {
	case StateRolledBack:
		pct = 0
	default:
		pct = r.schedule.Stages[r.stageIndex]
	}

	return Status{
		Schedule:        r.schedule,
		State:           r.state,
		StageIndex:      r.stageIndex,
		Percentage:      pct,
		LastGood:        r.lastGood,
		StageStartedAt:  r.stageStartedAt,
		LastEvaluatedAt: r.lastEvaluatedAt,
	}, nil
}

// Active returns the flag keys with rollouts that still need ticks, sorted.
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.runs))
	for key, r := range c.runs {
		r.mu.Lock()
		if r.state == StateStaging {
			keys = append(keys, key)
		}
		r.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// Forget drops a terminal rollout from the controller. Forgetting an active
// rollout is rejected so a schedule cannot silently stop receiving ticks.
func (c *Controller) Forget(flagKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[flagKey]
	if !ok {
		return fmt.Errorf("rollout %q: %w", flagKey, registry.ErrNotFound)
	}

	r.mu.Lock()
	terminal := r.state == StateComplete || r.state == StateRolledBack
	r.mu.Unlock()

	if !terminal {
		return fmt.Errorf("%w: rollout for %q is still active", registry.ErrValidation, flagKey)
	}
	delete(c.runs, flagKey)
	return nil
}

func (c *Controller) get(flagKey string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[flagKey]
	if !ok {
		return nil, fmt.Errorf("rollout %q: %w", flagKey, registry.ErrNotFound)
	}
	return r, nil
}

// promoteLocked advances to the next stage, or completes if the last stage
// has dwelled. Caller holds r.mu.
func (c *Controller) promoteLocked(ctx context.Context, r *run, now time.Time) (State, error) {
	r.lastGood = r.schedule.Stages[r.stageIndex]

	if r.stageIndex == len(r.schedule.Stages)-1 {
		r.state = StateComplete
		observability.RolloutTransitions.WithLabelValues("complete").Inc()
		c.logger.Info("rollout complete",
			slog.String("flag_key", r.schedule.FlagKey),
			slog.Int("percentage", r.lastGood),
		)
		return r.state, nil
	}

	r.stageIndex++
	r.stageStartedAt = now
	r.lastEvaluatedAt = time.Time{}
	next := r.schedule.Stages[r.stageIndex]

	if err := c.writePercentage(ctx, &r.schedule, next); err != nil {
		return r.state, err
	}

	observability.RolloutTransitions.WithLabelValues("promote").Inc()
	c.logger.Info("rollout promoted",
		slog.String("flag_key", r.schedule.FlagKey),
		slog.Int("stage_index", r.stageIndex),
		slog.Int("percentage", next),
	)
	return r.state, nil
}

// rollbackLocked reverts the flag to 0% and terminates the rollout.
// Policy decision: full kill rather than last-known-good, as the safer
// default when a threshold is breached; lastGood stays visible in Status
// for operators who want to re-stage from there. Caller holds r.mu.
func (c *Controller) rollbackLocked(ctx context.Context, r *run, cause string) (State, error) {
	r.state = StateRolledBack

	if err := c.writePercentage(ctx, &r.schedule, 0); err != nil {
		// The state is terminal either way; a failed registry write here is
		// a storage failure worth surfacing loudly.
		c.logger.Error("rollback percentage write failed",
			slog.String("flag_key", r.schedule.FlagKey),
			slog.String("error", err.Error()),
		)
		return r.state, err
	}

	observability.RolloutTransitions.WithLabelValues("rollback").Inc()
	c.logger.Error("rollout rolled back",
		slog.String("flag_key", r.schedule.FlagKey),
		slog.String("cause", cause),
		slog.Int("last_good_percentage", r.lastGood),
	)
	return r.state, nil
}

// writePercentage performs the single-path registry write, persists the
// updated definition, and fans out to the optional traffic collaborator.
func (c *Controller) writePercentage(ctx context.Context, schedule *Schedule, pct int) error {
	if err := c.registry.SetRolloutPercentage(schedule.FlagKey, pct); err != nil {
		return err
	}

	def, err := c.registry.Get(schedule.FlagKey)
	if err != nil {
		return err
	}
	if err := c.flags.UpdateFlag(ctx, def); err != nil {
		return fmt.Errorf("failed to persist percentage %d for flag %q: %w", pct, schedule.FlagKey, err)
	}

	observability.RolloutPercentage.WithLabelValues(schedule.FlagKey).Set(float64(pct))

	if c.traffic != nil && schedule.ServiceRef != "" {
		if err := c.traffic.SetTrafficWeight(ctx, schedule.ServiceRef, pct); err != nil {
			// Traffic fan-out is best effort: the flag percentage is the
			// source of truth, so a mesh hiccup is logged, not fatal.
			c.logger.Warn("traffic fan-out failed",
				slog.String("service_ref", schedule.ServiceRef),
				slog.Int("percentage", pct),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
