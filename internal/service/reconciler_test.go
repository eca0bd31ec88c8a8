package service

import (
	"context"
	"testing"

	"registry-licensing-system/internal/cache"
	"registry-licensing-system/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrueMaximum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	max, err := env.reconciler.TrueMaximum(ctx, "T", "25")
	require.NoError(t, err)
	assert.Equal(t, 0, max)

	env.seed(t, "T", "2500003", "2500011", "2400500")
	env.seed(t, "other", "2500090")

	max, err = env.reconciler.TrueMaximum(ctx, "T", "25")
	require.NoError(t, err)
	assert.Equal(t, 11, max)

	require.NoError(t, env.store.MarkDeleted(ctx, "T", "2500011"))
	max, err = env.reconciler.TrueMaximum(ctx, "T", "25")
	require.NoError(t, err)
	assert.Equal(t, 3, max)
}

func TestTrueMaximumFallbackFiltersClientSide(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "T", "2500003", "2400500", "2599")
	env.store.set(true, false)

	max, err := env.reconciler.TrueMaximum(context.Background(), "T", "25")
	require.NoError(t, err)
	assert.Equal(t, 3, max)
}

func TestDiagnoseReportsDrift(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "T", numbers(1, 5)...)
	env.seed(t, "T", "2500006", "ABC")
	require.NoError(t, env.store.MarkDeleted(context.Background(), "T", "2500006"))
	env.setHint(t, "T", "9")

	report, err := env.reconciler.Diagnose(context.Background(), "T")
	require.NoError(t, err)
	assert.True(t, report.Discrepancy)
	assert.Equal(t, 5, report.TrueMaximum)
	assert.Equal(t, 9, report.CacheHint)
	assert.True(t, report.HasCacheHint)
	assert.Equal(t, 6, report.NextExpected)
	assert.Equal(t, "2500006", report.NextID)
	assert.Equal(t, 1, report.DeletedCount)
	assert.Equal(t, 1, report.MalformedCount)
}

func TestDiagnoseConsistent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "T", numbers(1, 5)...)
	env.setHint(t, "T", "5")

	report, err := env.reconciler.Diagnose(context.Background(), "T")
	require.NoError(t, err)
	assert.False(t, report.Discrepancy)

	report, err = env.reconciler.Diagnose(context.Background(), "U")
	require.NoError(t, err)
	assert.False(t, report.Discrepancy)
	assert.False(t, report.HasCacheHint)
	assert.Equal(t, 1, report.NextExpected)
}

func TestDiagnoseStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.store.set(false, true)

	_, err := env.reconciler.Diagnose(context.Background(), "T")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestHealClearsExcessHint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "T", numbers(1, 5)...)
	env.setHint(t, "T", "9")
	require.NoError(t, env.cache.Set(ctx, cache.StagedCandidateKey("T"), "2500010"))

	result, err := env.reconciler.Heal(ctx, "T")
	require.NoError(t, err)
	assert.True(t, result.ClearedHint)
	assert.Equal(t, "2500010", result.DiscardedCandidate)

	_, ok := env.hint(t, "T")
	assert.False(t, ok)
	_, ok, err = env.cache.Get(ctx, cache.StagedCandidateKey("T"))
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := env.allocator.AllocateNext(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, "2500006", id)

	var healed int64
	require.NoError(t, env.db.Model(&model.OperationLog{}).Where("action = ? AND target = ?", ActionReconcileHeal, "T").Count(&healed).Error)
	assert.Equal(t, int64(1), healed)
}

func TestHealCatchesUpLowHint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "T", numbers(1, 5)...)
	env.setHint(t, "T", "2")

	result, err := env.reconciler.Heal(context.Background(), "T")
	require.NoError(t, err)
	assert.True(t, result.CaughtUpHint)
	assert.False(t, result.ClearedHint)

	hint, ok := env.hint(t, "T")
	require.True(t, ok)
	assert.Equal(t, "5", hint)
}

func TestHealDiscardsStaleCandidate(t *testing.T) {
	tests := []struct {
		name    string
		staged  string
		discard bool
	}{
		{"pending", "2500006", false},
		{"ahead", "2500008", true},
		{"already_used", "2500004", true},
		{"previous_year", "2400006", true},
		{"garbage", "next", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.seed(t, "T", numbers(1, 5)...)
			require.NoError(t, env.cache.Set(ctx, cache.StagedCandidateKey("T"), tt.staged))

			result, err := env.reconciler.Heal(ctx, "T")
			require.NoError(t, err)

			_, ok, err := env.cache.Get(ctx, cache.StagedCandidateKey("T"))
			require.NoError(t, err)
			assert.Equal(t, !tt.discard, ok)
			if tt.discard {
				assert.Equal(t, tt.staged, result.DiscardedCandidate)
			} else {
				assert.Empty(t, result.DiscardedCandidate)
			}
		})
	}
}

func TestHealIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "T", numbers(1, 5)...)
	env.setHint(t, "T", "12")

	first, err := env.reconciler.Heal(ctx, "T")
	require.NoError(t, err)
	assert.True(t, first.Changed())

	for i := 0; i < 3; i++ {
		again, err := env.reconciler.Heal(ctx, "T")
		require.NoError(t, err)
		assert.False(t, again.Changed())
	}
}

func TestHealThenAllocateReturnsTrueMaxPlusOne(t *testing.T) {
	hints := []string{"", "0", "3", "5", "6", "77", "-1", "oops"}

	for _, h := range hints {
		t.Run("hint_"+h, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.seed(t, "T", numbers(1, 5)...)
			if h != "" {
				env.setHint(t, "T", h)
			}

			_, err := env.reconciler.Heal(ctx, "T")
			require.NoError(t, err)

			id, err := env.allocator.AllocateNext(ctx, "T")
			require.NoError(t, err)
			assert.Equal(t, "2500006", id)
		})
	}
}

func TestHealStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.setHint(t, "T", "9")
	env.store.set(false, true)

	_, err := env.reconciler.Heal(context.Background(), "T")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	hint, ok := env.hint(t, "T")
	assert.True(t, ok)
	assert.Equal(t, "9", hint)
}
