package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"registry-licensing-system/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitTable(t *testing.T) {
	limits := DefaultLimits()
	tests := []struct {
		plan   model.Plan
		period model.PeriodType
		want   int
	}{
		{model.PlanBasic, model.PeriodMonthly, 100},
		{model.PlanStandard, model.PeriodMonthly, 500},
		{model.PlanPremium, model.PeriodMonthly, 2000},
		{model.PlanEnterprise, model.PeriodMonthly, 5000},
		{model.PlanBasic, model.PeriodQuarterly, 100},
		{model.PlanBasic, model.PeriodAnnual, 1200},
		{model.PlanStandard, model.PeriodAnnual, 600},
		{model.PlanPremium, model.PeriodAnnual, 24000},
		{model.PlanEnterprise, model.PeriodAnnual, 60000},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan)+"_"+string(tt.period), func(t *testing.T) {
			got, ok := limits.Limit(tt.plan, tt.period)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := limits.Limit(model.Plan("gold"), model.PeriodMonthly)
	assert.False(t, ok)
}

func TestParseLimits(t *testing.T) {
	limits, err := ParseLimits("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits(), limits)

	limits, err = ParseLimits(" annual.standard=6000 , mensual.basico=150")
	require.NoError(t, err)
	got, _ := limits.Limit(model.PlanStandard, model.PeriodAnnual)
	assert.Equal(t, 6000, got)
	got, _ = limits.Limit(model.PlanBasic, model.PeriodMonthly)
	assert.Equal(t, 150, got)
	got, _ = limits.Limit(model.PlanPremium, model.PeriodAnnual)
	assert.Equal(t, 24000, got)

	for _, raw := range []string{"annual.standard", "standard=10", "weekly.basic=10", "quarterly.basic=10", "annual.gold=10", "annual.basic=0", "annual.basic=x"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseLimits(raw)
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestCurrentWindowMonthly(t *testing.T) {
	env := newTestEnv(t)
	window, err := env.quota.CurrentWindow(model.License{
		Plan:       model.PlanBasic,
		PeriodType: model.PeriodMonthly,
		ExpiresAt:  testNow.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), window.Start)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), window.End)
	assert.Equal(t, 100, window.Limit)
}

func TestCurrentWindowAnnualAnchorsToExpiry(t *testing.T) {
	env := newTestEnv(t)
	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	window, err := env.quota.CurrentWindow(model.License{
		Plan:       model.PlanStandard,
		PeriodType: model.PeriodAnnual,
		ExpiresAt:  expires,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), window.Start)
	assert.Equal(t, expires, window.End)
	assert.Equal(t, 600, window.Limit)
}

func TestQuotaMonthlyLimitReached(t *testing.T) {
	env := newTestEnv(t)
	lic := env.activate(t, testKey)
	env.seed(t, lic.TenantID, numbers(1, 100)...)

	check, err := env.quota.CheckAndMaybeAllocate(context.Background(), lic.TenantID)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, 100, check.Used)
	assert.Equal(t, 100, check.Limit)
	assert.Equal(t, 0, check.Remaining)

	err = check.Err()
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	var quotaErr *QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.Equal(t, 100, quotaErr.Used)
	assert.Equal(t, 100, quotaErr.Limit)
	require.Len(t, quotaErr.Remediations, 4)
	assert.Equal(t, RemediationAdditionalPackage, quotaErr.Remediations[0].Action)
	assert.Equal(t, model.PlanBasic, quotaErr.Remediations[0].Plan)
	assert.Equal(t, RemediationUpgradePlan, quotaErr.Remediations[1].Action)
	assert.Equal(t, model.PlanStandard, quotaErr.Remediations[1].Plan)
	assert.Equal(t, 500, quotaErr.Remediations[1].Limit)
	assert.Equal(t, model.PlanEnterprise, quotaErr.Remediations[3].Plan)
}

func TestQuotaIgnoresPreviousMonth(t *testing.T) {
	env := newTestEnv(t)
	lic := env.activate(t, testKey)
	env.seedAt(t, lic.TenantID, "2500001", model.ModuleLogistics, time.Date(2025, 5, 31, 23, 59, 0, 0, time.UTC))
	env.seedAt(t, lic.TenantID, "2500002", model.ModuleLogistics, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	check, err := env.quota.CheckAndMaybeAllocate(context.Background(), lic.TenantID)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, 1, check.Used)
	assert.Equal(t, 99, check.Remaining)
	assert.NoError(t, check.Err())
}

func TestQuotaAnnualWindowExcludesEarlierRecords(t *testing.T) {
	env := newTestEnv(t)
	lic := model.License{
		LicenseKey:  testAnnualKey,
		TenantID:    DeriveTenantID(testAnnualKey),
		Plan:        model.PlanStandard,
		PeriodType:  model.PeriodAnnual,
		Status:      model.StatusActivated,
		ActivatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	env.putLicense(t, lic)
	env.seedAt(t, lic.TenantID, "2500001", model.ModuleLogistics, time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC))
	env.seedAt(t, lic.TenantID, "2500002", model.ModuleLogistics, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	env.seedAt(t, lic.TenantID, "2500003", model.ModuleLogistics, time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC))

	check, err := env.quota.CheckAndMaybeAllocate(context.Background(), lic.TenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, check.Used)
	assert.Equal(t, 600, check.Limit)
}

func TestQuotaCountsPrimaryRecordsOnce(t *testing.T) {
	env := newTestEnv(t)
	lic := env.activate(t, testKey)
	now := env.clock.Now()
	env.seedAt(t, lic.TenantID, "2500001", model.ModuleLogistics, now)
	env.seedAt(t, lic.TenantID, "2500001", model.ModuleTraffic, now)
	env.seedAt(t, lic.TenantID, "2500001", model.ModuleBilling, now)
	env.seedAt(t, lic.TenantID, "2500002", model.ModuleLogistics, now)
	env.seedAt(t, lic.TenantID, "2500003", model.ModuleTraffic, now)

	check, err := env.quota.CheckAndMaybeAllocate(context.Background(), lic.TenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, check.Used)
}

func TestQuotaIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	lic := env.activate(t, testKey)
	env.seed(t, lic.TenantID, numbers(1, 7)...)

	for i := 0; i < 5; i++ {
		check, err := env.quota.CheckAndMaybeAllocate(context.Background(), lic.TenantID)
		require.NoError(t, err)
		assert.Equal(t, 7, check.Used)
	}
}

func TestQuotaExcludesDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.activate(t, testKey)
	env.seed(t, lic.TenantID, numbers(1, 5)...)
	require.NoError(t, env.store.MarkDeleted(ctx, lic.TenantID, "2500005"))

	check, err := env.quota.CheckAndMaybeAllocate(ctx, lic.TenantID)
	require.NoError(t, err)
	assert.Equal(t, 4, check.Used)

	max, err := env.reconciler.TrueMaximum(ctx, lic.TenantID, "25")
	require.NoError(t, err)
	assert.Equal(t, 4, max)
}

func TestQuotaGraceWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.activate(t, testKey)
	env.seed(t, lic.TenantID, numbers(1, 3)...)

	_, err := env.quota.CheckAndMaybeAllocate(ctx, lic.TenantID)
	require.NoError(t, err)

	env.store.set(false, true)
	env.clock.Advance(2 * time.Second)
	check, err := env.quota.CheckAndMaybeAllocate(ctx, lic.TenantID)
	require.NoError(t, err)
	assert.True(t, check.Stale)
	assert.Equal(t, 3, check.Used)

	env.clock.Advance(10 * time.Second)
	_, err = env.quota.CheckAndMaybeAllocate(ctx, lic.TenantID)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestQuotaWithoutPriorCheckFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	lic := env.activate(t, testKey)
	env.store.set(false, true)

	_, err := env.quota.CheckAndMaybeAllocate(context.Background(), lic.TenantID)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestQuotaRequiresMatchingActiveLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.quota.CheckAndMaybeAllocate(ctx, "tenant_any")
	assert.ErrorIs(t, err, ErrNoActiveLicense)

	env.activate(t, testKey)
	_, err = env.quota.CheckAndMaybeAllocate(ctx, "tenant_other")
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestQuotaRemediationsAtTopPlan(t *testing.T) {
	env := newTestEnv(t)
	rem := env.quota.remediations(model.PlanEnterprise, model.PeriodAnnual)
	require.Len(t, rem, 1)
	assert.Equal(t, RemediationAdditionalPackage, rem[0].Action)
	assert.Equal(t, 60000, rem[0].Limit)
}
