//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/registry"
	"github.com/rcavalcanti/bifrost/internal/store"
	"github.com/rcavalcanti/bifrost/internal/testsupport"
)

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	defer container.Terminate(ctx)

	repo := store.NewPostgresStore(container.DB)

	t.Run("Should create and read back a flag", func(t *testing.T) {
		def := &registry.FlagDefinition{
			Key:               "new-checkout",
			Enabled:           true,
			RolloutPercentage: 25,
			AllowedSubjectIDs: []string{"vip-user"},
			AllowedSegments:   []string{"internal-users"},
		}
		require.NoError(t, repo.CreateFlag(ctx, def))

		got, err := repo.GetFlag(ctx, "new-checkout")
		require.NoError(t, err)
		assert.Equal(t, 25, got.RolloutPercentage)
		assert.True(t, got.HasSubject("vip-user"), "lookups must be recompiled on decode")
	})

	t.Run("Should answer ErrDuplicate on a second create", func(t *testing.T) {
		def := &registry.FlagDefinition{Key: "dup-flag", Enabled: true}
		require.NoError(t, repo.CreateFlag(ctx, def))

		err := repo.CreateFlag(ctx, def)
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("Should update an existing flag", func(t *testing.T) {
		def := &registry.FlagDefinition{Key: "mutable-flag", Enabled: false}
		require.NoError(t, repo.CreateFlag(ctx, def))

		def.Enabled = true
		def.RolloutPercentage = 50
		require.NoError(t, repo.UpdateFlag(ctx, def))

		got, err := repo.GetFlag(ctx, "mutable-flag")
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.Equal(t, 50, got.RolloutPercentage)
	})

	t.Run("Should answer ErrNotFound for missing and deleted flags", func(t *testing.T) {
		_, err := repo.GetFlag(ctx, "ghost")
		assert.ErrorIs(t, err, registry.ErrNotFound)

		require.NoError(t, repo.CreateFlag(ctx, &registry.FlagDefinition{Key: "doomed"}))
		require.NoError(t, repo.DeleteFlag(ctx, "doomed"))

		_, err = repo.GetFlag(ctx, "doomed")
		assert.ErrorIs(t, err, registry.ErrNotFound)

		err = repo.DeleteFlag(ctx, "doomed")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("Should list flags ordered by key", func(t *testing.T) {
		require.NoError(t, repo.CreateFlag(ctx, &registry.FlagDefinition{Key: "zz-last"}))
		require.NoError(t, repo.CreateFlag(ctx, &registry.FlagDefinition{Key: "aa-first"}))

		flags, err := repo.ListFlags(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, flags)

		keys := make([]string, len(flags))
		for i, f := range flags {
			keys[i] = f.Key
		}
		assert.IsIncreasing(t, keys)
	})

	t.Run("Should upsert segments in place", func(t *testing.T) {
		rule := &registry.SegmentRule{
			Name:   "internal-users",
			Kind:   registry.SegmentAttrSuffix,
			Params: map[string]string{"attribute": "email", "suffix": "@company.com"},
		}
		require.NoError(t, repo.UpsertSegment(ctx, rule))

		// Redefinition replaces the rule, no duplicate error.
		rule.Params["suffix"] = "@corp.example"
		require.NoError(t, repo.UpsertSegment(ctx, rule))

		got, err := repo.GetSegment(ctx, "internal-users")
		require.NoError(t, err)
		assert.Equal(t, "@corp.example", got.Params["suffix"])
		assert.True(t, got.Matches(registry.Subject{
			ID:         "u1",
			Attributes: map[string]string{"email": "dev@corp.example"},
		}))
	})

	t.Run("Should round-trip experiments", func(t *testing.T) {
		e := &experiment.Experiment{
			Key: "cta-color",
			Variants: []experiment.Variant{
				{ID: "control", Weight: 50},
				{ID: "treatment", Weight: 50},
			},
			AudienceSegment: "internal-users",
		}
		require.NoError(t, repo.CreateExperiment(ctx, e))

		assert.ErrorIs(t, repo.CreateExperiment(ctx, e), store.ErrDuplicate)

		got, err := repo.GetExperiment(ctx, "cta-color")
		require.NoError(t, err)
		assert.Equal(t, "internal-users", got.AudienceSegment)
		assert.Len(t, got.Variants, 2)

		require.NoError(t, repo.DeleteExperiment(ctx, "cta-color"))
		_, err = repo.GetExperiment(ctx, "cta-color")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})
}
