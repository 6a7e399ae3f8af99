package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefine_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		def     FlagDefinition
		wantErr error
	}{
		{
			name: "Should accept a minimal valid definition",
			def:  FlagDefinition{Key: "checkout-v2", Enabled: true, RolloutPercentage: 25},
		},
		{
			name:    "Should reject an empty key",
			def:     FlagDefinition{RolloutPercentage: 10},
			wantErr: ErrValidation,
		},
		{
			name:    "Should reject percentage above 100",
			def:     FlagDefinition{Key: "f", RolloutPercentage: 101},
			wantErr: ErrValidation,
		},
		{
			name:    "Should reject negative percentage",
			def:     FlagDefinition{Key: "f", RolloutPercentage: -1},
			wantErr: ErrValidation,
		},
		{
			name:    "Should reject a self dependency",
			def:     FlagDefinition{Key: "f", Dependencies: []string{"f"}},
			wantErr: ErrValidation,
		},
		{
			name: "Should reject an inverted active window",
			def: FlagDefinition{
				Key: "f",
				ActiveWindow: &Window{
					Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
					End:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				},
			},
			wantErr: ErrValidation,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := New().Define(tc.def)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefine_CycleDetection(t *testing.T) {
	t.Parallel()

	t.Run("Should reject a two-flag cycle", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Define(FlagDefinition{Key: "a", Dependencies: []string{"b"}}))

		err := r.Define(FlagDefinition{Key: "b", Dependencies: []string{"a"}})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Should reject a longer cycle", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Define(FlagDefinition{Key: "a", Dependencies: []string{"b"}}))
		require.NoError(t, r.Define(FlagDefinition{Key: "b", Dependencies: []string{"c"}}))

		err := r.Define(FlagDefinition{Key: "c", Dependencies: []string{"a"}})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Should allow a diamond dependency graph", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Define(FlagDefinition{Key: "base"}))
		require.NoError(t, r.Define(FlagDefinition{Key: "left", Dependencies: []string{"base"}}))
		require.NoError(t, r.Define(FlagDefinition{Key: "right", Dependencies: []string{"base"}}))
		assert.NoError(t, r.Define(FlagDefinition{Key: "top", Dependencies: []string{"left", "right"}}))
	})

	t.Run("Should allow dependencies on flags defined later", func(t *testing.T) {
		r := New()
		assert.NoError(t, r.Define(FlagDefinition{Key: "early", Dependencies: []string{"not-yet-defined"}}))
	})
}

func TestGet(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Define(FlagDefinition{Key: "known", RolloutPercentage: 5}))

	t.Run("Should return the stored definition", func(t *testing.T) {
		def, err := r.Get("known")
		require.NoError(t, err)
		assert.Equal(t, 5, def.RolloutPercentage)
	})

	t.Run("Should return ErrNotFound for unknown keys", func(t *testing.T) {
		_, err := r.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSetRolloutPercentage(t *testing.T) {
	t.Parallel()

	t.Run("Should clamp out-of-range values", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Define(FlagDefinition{Key: "f"}))

		require.NoError(t, r.SetRolloutPercentage("f", 250))
		def, err := r.Get("f")
		require.NoError(t, err)
		assert.Equal(t, 100, def.RolloutPercentage)

		require.NoError(t, r.SetRolloutPercentage("f", -10))
		def, err = r.Get("f")
		require.NoError(t, err)
		assert.Equal(t, 0, def.RolloutPercentage)
	})

	t.Run("Should fail with ErrNotFound for an undefined flag", func(t *testing.T) {
		err := New().SetRolloutPercentage("ghost", 50)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Should not mutate previously returned snapshots", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Define(FlagDefinition{Key: "f", RolloutPercentage: 10}))

		before, err := r.Get("f")
		require.NoError(t, err)

		require.NoError(t, r.SetRolloutPercentage("f", 90))

		// Copy-on-write: the old pointer keeps its old value.
		assert.Equal(t, 10, before.RolloutPercentage)

		after, err := r.Get("f")
		require.NoError(t, err)
		assert.Equal(t, 90, after.RolloutPercentage)
	})
}

func TestSetEnabled(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Define(FlagDefinition{Key: "f", Enabled: true}))

	require.NoError(t, r.SetEnabled("f", false))
	def, err := r.Get("f")
	require.NoError(t, err)
	assert.False(t, def.Enabled)

	assert.ErrorIs(t, New().SetEnabled("ghost", true), ErrNotFound)
}

func TestSegments(t *testing.T) {
	t.Parallel()

	t.Run("Should compile and match an ATTR_SUFFIX rule", func(t *testing.T) {
		r := New()
		err := r.RegisterSegment(SegmentRule{
			Name:   "internal",
			Kind:   SegmentAttrSuffix,
			Params: map[string]string{"attribute": "email", "suffix": "@company.com"},
		})
		require.NoError(t, err)

		rule, ok := r.Segment("internal")
		require.True(t, ok)

		assert.True(t, rule.Matches(Subject{ID: "u1", Attributes: map[string]string{"email": "u1@company.com"}}))
		assert.False(t, rule.Matches(Subject{ID: "u2", Attributes: map[string]string{"email": "u2@gmail.com"}}))
		assert.False(t, rule.Matches(Subject{ID: "u3"}))
	})

	t.Run("Should compile an ATTR_IN rule with whitespace tolerance", func(t *testing.T) {
		r := New()
		err := r.RegisterSegment(SegmentRule{
			Name:   "beta-regions",
			Kind:   SegmentAttrIn,
			Params: map[string]string{"attribute": "region", "values": "eu-west, us-east"},
		})
		require.NoError(t, err)

		rule, _ := r.Segment("beta-regions")
		assert.True(t, rule.Matches(Subject{Attributes: map[string]string{"region": "us-east"}}))
		assert.False(t, rule.Matches(Subject{Attributes: map[string]string{"region": "ap-south"}}))
	})

	t.Run("Should reject unknown kinds", func(t *testing.T) {
		err := New().RegisterSegment(SegmentRule{Name: "x", Kind: "GEO_FENCE"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Should accept a raw predicate registration", func(t *testing.T) {
		r := New()
		require.NoError(t, r.RegisterSegmentPredicate("admins", func(s Subject) bool {
			return s.Attr("role") == "admin"
		}))

		rule, ok := r.Segment("admins")
		require.True(t, ok)
		assert.True(t, rule.Matches(Subject{Attributes: map[string]string{"role": "admin"}}))
	})
}

// TestConcurrentAccess exercises parallel readers against writers; run with
// -race to verify the copy-on-write discipline.
func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Define(FlagDefinition{Key: "hot", RolloutPercentage: 1}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				def, err := r.Get("hot")
				if err == nil {
					// A reader must always see a consistent, in-range value.
					if def.RolloutPercentage < 0 || def.RolloutPercentage > 100 {
						t.Errorf("inconsistent percentage: %d", def.RolloutPercentage)
						return
					}
				}
			}
		}()
	}

	for pct := 0; pct <= 100; pct += 5 {
		require.NoError(t, r.SetRolloutPercentage("hot", pct))
	}

	close(stop)
	wg.Wait()
}
