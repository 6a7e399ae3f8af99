package rollout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcavalcanti/bifrost/internal/registry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// scriptedGate replays a fixed sequence of decisions, then repeats the last
// one. It lets tests drive the state machine without a metrics backend.
type scriptedGate struct {
	decisions []Decision
	calls     int
}

func (g *scriptedGate) Evaluate(_ context.Context, _ *Schedule, _ TimeWindow) Decision {
	i := g.calls
	g.calls++
	if i >= len(g.decisions) {
		i = len(g.decisions) - 1
	}
	return g.decisions[i]
}

// recordingStore captures every persisted percentage so tests can verify
// promotions reach durable storage, not just the in-memory registry.
type recordingStore struct {
	mu      sync.Mutex
	byKey   map[string]int
	writes  []int
	failErr error
}

func (s *recordingStore) UpdateFlag(_ context.Context, def *registry.FlagDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}
	if s.byKey == nil {
		s.byKey = make(map[string]int)
	}
	s.byKey[def.Key] = def.RolloutPercentage
	s.writes = append(s.writes, def.RolloutPercentage)
	return nil
}

func (s *recordingStore) stored(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}

func newFixture(t *testing.T, gate Gate) (*Controller, *registry.Registry) {
	t.Helper()
	c, reg, _ := newStoredFixture(t, gate)
	return c, reg
}

func newStoredFixture(t *testing.T, gate Gate) (*Controller, *registry.Registry, *recordingStore) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Define(registry.FlagDefinition{Key: "checkout-v2", Enabled: true}))

	st := &recordingStore{}
	return NewController(reg, st, gate, testLogger), reg, st
}

func defaultSchedule() Schedule {
	return Schedule{
		FlagKey:       "checkout-v2",
		Stages:        []int{1, 5, 25, 50, 100},
		StageDuration: time.Hour,
		Thresholds:    Thresholds{MaxErrorRate: 0.02, MaxLatencyP95: 0.5},
	}
}

func pct(t *testing.T, reg *registry.Registry, key string) int {
	t.Helper()
	def, err := reg.Get(key)
	require.NoError(t, err)
	return def.RolloutPercentage
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Schedule)
		wantErr bool
	}{
		{name: "Should accept a well-formed schedule", mutate: func(*Schedule) {}},
		{name: "Should reject an empty flag key", mutate: func(s *Schedule) { s.FlagKey = "" }, wantErr: true},
		{name: "Should reject empty stages", mutate: func(s *Schedule) { s.Stages = nil }, wantErr: true},
		{name: "Should reject non-increasing stages", mutate: func(s *Schedule) { s.Stages = []int{5, 5, 25} }, wantErr: true},
		{name: "Should reject decreasing stages", mutate: func(s *Schedule) { s.Stages = []int{25, 5} }, wantErr: true},
		{name: "Should reject out-of-range stages", mutate: func(s *Schedule) { s.Stages = []int{1, 101} }, wantErr: true},
		{name: "Should reject zero stage duration", mutate: func(s *Schedule) { s.StageDuration = 0 }, wantErr: true},
		{name: "Should reject negative thresholds", mutate: func(s *Schedule) { s.Thresholds.MaxErrorRate = -1 }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := defaultSchedule()
			tc.mutate(&s)

			err := s.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, registry.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("Should write the first stage percentage", func(t *testing.T) {
		c, reg := newFixture(t, &scriptedGate{decisions: []Decision{Promote}})

		require.NoError(t, c.Start(ctx, defaultSchedule(), t0))
		assert.Equal(t, 1, pct(t, reg, "checkout-v2"))

		status, err := c.Status("checkout-v2")
		require.NoError(t, err)
		assert.Equal(t, StateStaging, status.State)
		assert.Equal(t, 0, status.StageIndex)
	})

	t.Run("Should reject an unknown flag", func(t *testing.T) {
		c, _ := newFixture(t, &scriptedGate{decisions: []Decision{Promote}})

		s := defaultSchedule()
		s.FlagKey = "ghost"
		assert.ErrorIs(t, c.Start(ctx, s, t0), registry.ErrNotFound)
	})

	t.Run("Should reject a second rollout for the same flag", func(t *testing.T) {
		c, _ := newFixture(t, &scriptedGate{decisions: []Decision{Promote}})

		require.NoError(t, c.Start(ctx, defaultSchedule(), t0))
		assert.ErrorIs(t, c.Start(ctx, defaultSchedule(), t0), registry.ErrValidation)
	})
}

// TestTick_MonotonicRollout feeds all-Promote responses and verifies the
// percentage sequence is exactly the schedule, in order, never skipping.
func TestTick_MonotonicRollout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, reg := newFixture(t, &scriptedGate{decisions: []Decision{Promote}})
	schedule := defaultSchedule()
	require.NoError(t, c.Start(ctx, schedule, t0))

	seen := []int{pct(t, reg, "checkout-v2")}
	now := t0

	for i := 0; i < len(schedule.Stages); i++ {
		now = now.Add(schedule.StageDuration)
		state, err := c.Tick(ctx, "checkout-v2", now)
		require.NoError(t, err)

		if p := pct(t, reg, "checkout-v2"); p != seen[len(seen)-1] {
			seen = append(seen, p)
		}

		if i < len(schedule.Stages)-1 {
			assert.Equal(t, StateStaging, state)
		} else {
			assert.Equal(t, StateComplete, state)
		}
	}

	assert.Equal(t, []int{1, 5, 25, 50, 100}, seen)

	// Complete is terminal: further ticks change nothing.
	state, err := c.Tick(ctx, "checkout-v2", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StateComplete, state)
	assert.Equal(t, 100, pct(t, reg, "checkout-v2"))
}

func TestTick_DwellTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gate := &scriptedGate{decisions: []Decision{Promote}}
	c, reg := newFixture(t, gate)
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	// Ticks before the dwell time elapses never consult the gate.
	for _, offset := range []time.Duration{0, time.Minute, 59 * time.Minute} {
		state, err := c.Tick(ctx, "checkout-v2", t0.Add(offset))
		require.NoError(t, err)
		assert.Equal(t, StateStaging, state)
	}

	assert.Zero(t, gate.calls)
	assert.Equal(t, 1, pct(t, reg, "checkout-v2"))
}

// TestTick_Idempotent verifies that ticking twice with the same `now`
// produces identical state to ticking once.
func TestTick_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gate := &scriptedGate{decisions: []Decision{Promote}}
	c, reg := newFixture(t, gate)
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	now := t0.Add(time.Hour)
	_, err := c.Tick(ctx, "checkout-v2", now)
	require.NoError(t, err)
	require.Equal(t, 5, pct(t, reg, "checkout-v2"))

	// Identical retried tick: no extra gate call, no double promotion.
	_, err = c.Tick(ctx, "checkout-v2", now)
	require.NoError(t, err)
	assert.Equal(t, 5, pct(t, reg, "checkout-v2"))
	assert.Equal(t, 1, gate.calls)
}

func TestTick_RollbackHaltsProgression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Promote to 5, promote to 25, then breach at 25.
	gate := &scriptedGate{decisions: []Decision{Promote, Promote, Rollback}}
	c, reg := newFixture(t, gate)
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	now := t0
	for i := 0; i < 2; i++ {
		now = now.Add(time.Hour)
		_, err := c.Tick(ctx, "checkout-v2", now)
		require.NoError(t, err)
	}
	require.Equal(t, 25, pct(t, reg, "checkout-v2"))

	now = now.Add(time.Hour)
	state, err := c.Tick(ctx, "checkout-v2", now)
	require.NoError(t, err)

	// Full-kill policy: percentage drops to 0, state is terminal.
	assert.Equal(t, StateRolledBack, state)
	assert.Equal(t, 0, pct(t, reg, "checkout-v2"))

	status, err := c.Status("checkout-v2")
	require.NoError(t, err)
	assert.Equal(t, 5, status.LastGood)

	// Subsequent ticks produce no further change.
	callsBefore := gate.calls
	state, err = c.Tick(ctx, "checkout-v2", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, state)
	assert.Equal(t, 0, pct(t, reg, "checkout-v2"))
	assert.Equal(t, callsBefore, gate.calls)
}

func TestTick_UnknownNeverPromotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gate := &scriptedGate{decisions: []Decision{Unknown, Unknown, Promote}}
	c, reg := newFixture(t, gate)
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	// Two ticks with unavailable metrics: percentage must not move.
	now := t0.Add(time.Hour)
	state, err := c.Tick(ctx, "checkout-v2", now)
	require.NoError(t, err)
	assert.Equal(t, StateStaging, state)
	assert.Equal(t, 1, pct(t, reg, "checkout-v2"))

	now = now.Add(time.Minute)
	_, err = c.Tick(ctx, "checkout-v2", now)
	require.NoError(t, err)
	assert.Equal(t, 1, pct(t, reg, "checkout-v2"))

	// Metrics recover: the held stage promotes without a timer reset.
	now = now.Add(time.Minute)
	_, err = c.Tick(ctx, "checkout-v2", now)
	require.NoError(t, err)
	assert.Equal(t, 5, pct(t, reg, "checkout-v2"))
}

func TestTick_HoldKeepsTimer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gate := &scriptedGate{decisions: []Decision{Hold, Promote}}
	c, reg := newFixture(t, gate)
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	_, err := c.Tick(ctx, "checkout-v2", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pct(t, reg, "checkout-v2"))

	// Hold does not reset the stage timer: one minute later the stage is
	// still past its dwell and re-evaluates.
	_, err = c.Tick(ctx, "checkout-v2", t0.Add(time.Hour+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, pct(t, reg, "checkout-v2"))
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gate := &scriptedGate{decisions: []Decision{Promote}}
	c, reg := newFixture(t, gate)
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	require.NoError(t, c.Pause("checkout-v2"))

	// Paused rollouts ignore ticks and keep their percentage.
	state, err := c.Tick(ctx, "checkout-v2", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)
	assert.Equal(t, 1, pct(t, reg, "checkout-v2"))
	assert.Zero(t, gate.calls)

	// Resume restarts the dwell clock from the resume instant.
	resumeAt := t0.Add(3 * time.Hour)
	require.NoError(t, c.Resume("checkout-v2", resumeAt))

	_, err = c.Tick(ctx, "checkout-v2", resumeAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, pct(t, reg, "checkout-v2"), "stage promoted before re-dwelling")

	_, err = c.Tick(ctx, "checkout-v2", resumeAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, pct(t, reg, "checkout-v2"))

	t.Run("Should reject pausing a non-staging rollout", func(t *testing.T) {
		assert.ErrorIs(t, c.Resume("checkout-v2", t0), registry.ErrValidation)
	})
}

func TestManualRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, reg := newFixture(t, &scriptedGate{decisions: []Decision{Promote}})
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	require.NoError(t, c.ManualRollback(ctx, "checkout-v2"))
	assert.Equal(t, 0, pct(t, reg, "checkout-v2"))

	status, err := c.Status("checkout-v2")
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, status.State)

	// Terminal: a second rollback is rejected.
	assert.ErrorIs(t, c.ManualRollback(ctx, "checkout-v2"), registry.ErrValidation)
}

// TestPercentageWritesPersist verifies every percentage change goes through
// the flag store. The syncer and the evaluation plane only ever see what is
// persisted, so a registry-only write would be invisible where it matters.
func TestPercentageWritesPersist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("Should persist the start and every promotion", func(t *testing.T) {
		t.Parallel()

		c, reg, st := newStoredFixture(t, &scriptedGate{decisions: []Decision{Promote}})
		s := defaultSchedule()
		s.Stages = []int{5, 50}
		require.NoError(t, c.Start(ctx, s, t0))
		require.Equal(t, 5, st.stored("checkout-v2"))

		_, err := c.Tick(ctx, "checkout-v2", t0.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, 50, pct(t, reg, "checkout-v2"))
		assert.Equal(t, 50, st.stored("checkout-v2"), "promotion never reached the store")
		assert.Equal(t, []int{5, 50}, st.writes)
	})

	t.Run("Should persist the rollback to zero", func(t *testing.T) {
		t.Parallel()

		c, _, st := newStoredFixture(t, &scriptedGate{decisions: []Decision{Promote}})
		require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

		require.NoError(t, c.ManualRollback(ctx, "checkout-v2"))
		assert.Equal(t, 0, st.stored("checkout-v2"))
	})

	t.Run("Should surface a failed store write", func(t *testing.T) {
		t.Parallel()

		c, _, st := newStoredFixture(t, &scriptedGate{decisions: []Decision{Promote}})
		st.failErr = errors.New("connection refused")

		err := c.Start(ctx, defaultSchedule(), t0)
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestActiveAndForget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := registry.New()
	require.NoError(t, reg.Define(registry.FlagDefinition{Key: "a", Enabled: true}))
	require.NoError(t, reg.Define(registry.FlagDefinition{Key: "b", Enabled: true}))

	c := NewController(reg, &recordingStore{}, &scriptedGate{decisions: []Decision{Promote}}, testLogger)

	sa := defaultSchedule()
	sa.FlagKey = "a"
	sa.Stages = []int{100}
	sb := defaultSchedule()
	sb.FlagKey = "b"

	require.NoError(t, c.Start(ctx, sa, t0))
	require.NoError(t, c.Start(ctx, sb, t0))
	assert.Equal(t, []string{"a", "b"}, c.Active())

	// Completing "a" removes it from the active set.
	_, err := c.Tick(ctx, "a", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, c.Active())

	assert.ErrorIs(t, c.Forget("b"), registry.ErrValidation, "active rollouts cannot be forgotten")
	assert.NoError(t, c.Forget("a"))
	_, err = c.Status("a")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

// TestRestartAfterTerminal verifies a flag can be rolled out again once the
// previous rollout reached a terminal state.
func TestRestartAfterTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, reg := newFixture(t, &scriptedGate{decisions: []Decision{Rollback, Promote}})
	require.NoError(t, c.Start(ctx, defaultSchedule(), t0))

	_, err := c.Tick(ctx, "checkout-v2", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, pct(t, reg, "checkout-v2"))

	assert.NoError(t, c.Start(ctx, defaultSchedule(), t0.Add(2*time.Hour)))
	assert.Equal(t, 1, pct(t, reg, "checkout-v2"))
}
