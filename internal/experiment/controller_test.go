package experiment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcavalcanti/bifrost/internal/analytics"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func randomID(t *testing.T) string {
	t.Helper()

	buf := make([]byte, 16)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return hex.EncodeToString(buf)
}

func abTest() *Experiment {
	return &Experiment{
		Key: "checkout-cta-color",
		Variants: []Variant{
			{ID: "control", Weight: 50},
			{ID: "treatment", Weight: 50},
		},
	}
}

func TestExperimentValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		experiment *Experiment
		wantErr    bool
	}{
		{
			name:       "Should accept a 50/50 split",
			experiment: abTest(),
		},
		{
			name: "Should accept a multivariate split",
			experiment: &Experiment{
				Key: "ranking-model",
				Variants: []Variant{
					{ID: "control", Weight: 50},
					{ID: "model-a", Weight: 30},
					{ID: "model-b", Weight: 20},
				},
			},
		},
		{
			name:       "Should reject an empty key",
			experiment: &Experiment{Key: "  ", Variants: abTest().Variants},
			wantErr:    true,
		},
		{
			name:       "Should reject fewer than two variants",
			experiment: &Experiment{Key: "x", Variants: []Variant{{ID: "only", Weight: 100}}},
			wantErr:    true,
		},
		{
			name: "Should reject weights that do not sum to 100",
			experiment: &Experiment{Key: "x", Variants: []Variant{
				{ID: "a", Weight: 60},
				{ID: "b", Weight: 50},
			}},
			wantErr: true,
		},
		{
			name: "Should reject a negative weight",
			experiment: &Experiment{Key: "x", Variants: []Variant{
				{ID: "a", Weight: -10},
				{ID: "b", Weight: 110},
			}},
			wantErr: true,
		},
		{
			name: "Should reject duplicate variant ids",
			experiment: &Experiment{Key: "x", Variants: []Variant{
				{ID: "a", Weight: 50},
				{ID: "a", Weight: 50},
			}},
			wantErr: true,
		},
		{
			name: "Should reject an inverted window",
			experiment: &Experiment{
				Key:      "x",
				Variants: abTest().Variants,
				ActiveWindow: &registry.Window{
					Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
					End:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.experiment.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, registry.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefine(t *testing.T) {
	t.Parallel()

	t.Run("Should reject changing the variant set on redefinition", func(t *testing.T) {
		t.Parallel()
		c := New(nil, testLogger)

		require.NoError(t, c.Define(abTest()))

		changed := abTest()
		changed.Variants = []Variant{
			{ID: "control", Weight: 30},
			{ID: "treatment", Weight: 70},
		}
		assert.ErrorIs(t, c.Define(changed), ErrVariantsChanged)
	})

	t.Run("Should allow updating metadata with the same variants", func(t *testing.T) {
		t.Parallel()
		c := New(nil, testLogger)

		require.NoError(t, c.Define(abTest()))

		updated := abTest()
		updated.Description = "now with a description"
		require.NoError(t, c.Define(updated))

		got, err := c.Get(updated.Key)
		require.NoError(t, err)
		assert.Equal(t, "now with a description", got.Description)
	})

	t.Run("Should isolate stored definitions from caller mutation", func(t *testing.T) {
		t.Parallel()
		c := New(nil, testLogger)

		e := abTest()
		require.NoError(t, c.Define(e))
		e.Variants[0].ID = "mutated"

		got, err := c.Get(e.Key)
		require.NoError(t, err)
		assert.Equal(t, "control", got.Variants[0].ID)
	})
}

func TestVariantFor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("Should answer ErrNotFound for an unknown experiment", func(t *testing.T) {
		t.Parallel()
		c := New(nil, testLogger)

		_, err := c.VariantFor(ctx, "nope", registry.Subject{ID: "u1"})
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("Should be deterministic per subject", func(t *testing.T) {
		t.Parallel()
		c := New(nil, testLogger)
		require.NoError(t, c.Define(abTest()))

		subject := registry.Subject{ID: randomID(t)}
		first, err := c.VariantFor(ctx, "checkout-cta-color", subject)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			again, err := c.VariantFor(ctx, "checkout-cta-color", subject)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("Should distribute subjects close to the declared weights", func(t *testing.T) {
		t.Parallel()
		c := New(nil, testLogger)
		require.NoError(t, c.Define(&Experiment{
			Key: "ranking-model",
			Variants: []Variant{
				{ID: "control", Weight: 50},
				{ID: "model-a", Weight: 30},
				{ID: "model-b", Weight: 20},
			},
		}))

		const samples = 50_000
		counts := make(map[string]int)
		for i := 0; i < samples; i++ {
			v, err := c.VariantFor(ctx, "ranking-model", registry.Subject{ID: fmt.Sprintf("subject-%d", i)})
			require.NoError(t, err)
			counts[v]++
		}

		want := map[string]float64{"control": 0.50, "model-a": 0.30, "model-b": 0.20}
		for id, share := range want {
			got := float64(counts[id]) / samples
			assert.LessOrEqualf(t, math.Abs(got-share), 0.02,
				"variant %s: got share %.4f, want %.2f", id, got, share)
		}
	})

	t.Run("Should fall back to control with an empty subject id", func(t *testing.T) {
		t.Parallel()
		c := New(nil, testLogger)
		require.NoError(t, c.Define(abTest()))

		v, err := c.VariantFor(ctx, "checkout-cta-color", registry.Subject{})
		require.NoError(t, err)
		assert.Equal(t, "control", v)
	})

	t.Run("Should fall back to control outside the active window", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		e := abTest()
		e.ActiveWindow = &registry.Window{Start: start}

		before := start.Add(-time.Hour)
		c := New(nil, testLogger, WithClock(func() time.Time { return before }))
		require.NoError(t, c.Define(e))

		// Some of these subjects would land on treatment inside the window.
		for i := 0; i < 100; i++ {
			v, err := c.VariantFor(ctx, e.Key, registry.Subject{ID: fmt.Sprintf("subject-%d", i)})
			require.NoError(t, err)
			assert.Equal(t, "control", v)
		}
	})

	t.Run("Should fall back to control outside the audience segment", func(t *testing.T) {
		t.Parallel()

		reg := registry.New()
		require.NoError(t, reg.RegisterSegment(registry.SegmentRule{
			Name:   "beta-testers",
			Kind:   registry.SegmentAttrEquals,
			Params: map[string]string{"attribute": "beta", "value": "true"},
		}))

		e := abTest()
		e.AudienceSegment = "beta-testers"

		c := New(reg, testLogger)
		require.NoError(t, c.Define(e))

		outside := registry.Subject{ID: randomID(t), Attributes: map[string]string{"beta": "false"}}
		for i := 0; i < 50; i++ {
			outside.ID = fmt.Sprintf("out-%d", i)
			v, err := c.VariantFor(ctx, e.Key, outside)
			require.NoError(t, err)
			assert.Equal(t, "control", v)
		}

		// In-audience subjects land in both arms.
		counts := make(map[string]int)
		for i := 0; i < 1000; i++ {
			in := registry.Subject{ID: fmt.Sprintf("in-%d", i), Attributes: map[string]string{"beta": "true"}}
			v, err := c.VariantFor(ctx, e.Key, in)
			require.NoError(t, err)
			counts[v]++
		}
		assert.Positive(t, counts["control"])
		assert.Positive(t, counts["treatment"])
	})

	t.Run("Should fall back to control when the audience segment is missing", func(t *testing.T) {
		t.Parallel()

		e := abTest()
		e.AudienceSegment = "never-registered"

		c := New(registry.New(), testLogger)
		require.NoError(t, c.Define(e))

		v, err := c.VariantFor(ctx, e.Key, registry.Subject{ID: randomID(t)})
		require.NoError(t, err)
		assert.Equal(t, "control", v)
	})
}

// captureEmitter records emitted events.
type captureEmitter struct {
	events []analytics.Event
}

func (c *captureEmitter) Emit(_ context.Context, event analytics.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestRecordConversion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("Should attribute the conversion to the recomputed variant", func(t *testing.T) {
		t.Parallel()

		emitter := &captureEmitter{}
		c := New(nil, testLogger, WithEmitter(emitter))
		require.NoError(t, c.Define(abTest()))

		subject := registry.Subject{ID: randomID(t)}
		want, err := c.VariantFor(ctx, "checkout-cta-color", subject)
		require.NoError(t, err)

		require.NoError(t, c.RecordConversion(ctx, "checkout-cta-color", subject, "", 19.90))

		require.Len(t, emitter.events, 1)
		event := emitter.events[0]
		assert.Equal(t, "conversion", event.Name)
		assert.NotEmpty(t, event.ID)
		assert.Equal(t, want, event.Payload["variant"])
		assert.Equal(t, subject.ID, event.Payload["subject_id"])
		assert.InDelta(t, 19.90, event.Payload["value"], 1e-9)
	})

	t.Run("Should answer ErrNotFound for an unknown experiment", func(t *testing.T) {
		t.Parallel()

		c := New(nil, testLogger, WithEmitter(&captureEmitter{}))
		err := c.RecordConversion(ctx, "nope", registry.Subject{ID: "u1"}, "signup", 1)
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("Should tolerate a missing emitter", func(t *testing.T) {
		t.Parallel()

		c := New(nil, testLogger)
		require.NoError(t, c.Define(abTest()))
		assert.NoError(t, c.RecordConversion(ctx, "checkout-cta-color", registry.Subject{ID: "u1"}, "", 1))
	})

	t.Run("Should carry the caller's event name", func(t *testing.T) {
		t.Parallel()

		emitter := &captureEmitter{}
		c := New(nil, testLogger, WithEmitter(emitter))
		require.NoError(t, c.Define(abTest()))

		require.NoError(t, c.RecordConversion(ctx, "checkout-cta-color", registry.Subject{ID: "u1"}, "add-to-cart", 1))

		require.Len(t, emitter.events, 1)
		assert.Equal(t, "add-to-cart", emitter.events[0].Name)
	})
}
