package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/logger"
	"registry-licensing-system/internal/model"
	"registry-licensing-system/internal/store"

	"go.uber.org/zap"
)

const defaultQuotaGrace = 5 * time.Second

// LimitTable 按周期和套餐配置的登记上限。季度许可证按月统计，使用月度上限。
type LimitTable map[model.PeriodType]map[model.Plan]int

// DefaultLimits 默认上限
func DefaultLimits() LimitTable {
	return LimitTable{
		model.PeriodMonthly: {
			model.PlanBasic:      100,
			model.PlanStandard:   500,
			model.PlanPremium:    2000,
			model.PlanEnterprise: 5000,
		},
		model.PeriodAnnual: {
			model.PlanBasic:      1200,
			model.PlanStandard:   600,
			model.PlanPremium:    24000,
			model.PlanEnterprise: 60000,
		},
	}
}

// Limit 查询上限
func (t LimitTable) Limit(plan model.Plan, period model.PeriodType) (int, bool) {
	if period != model.PeriodAnnual {
		period = model.PeriodMonthly
	}
	limit, ok := t[period][plan]
	return limit, ok
}

// ParseLimits 在默认上限的基础上应用覆盖项，格式为 "<周期>.<套餐>=<上限>"，逗号分隔。
// 季度按月统计，不能单独配置。
func ParseLimits(raw string) (LimitTable, error) {
	limits := DefaultLimits()
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("%w: limit %q", ErrInvalidPlan, item)
		}
		periodName, planName, ok := strings.Cut(strings.TrimSpace(name), ".")
		if !ok {
			return nil, fmt.Errorf("%w: limit %q", ErrInvalidPlan, item)
		}
		period, ok := model.ParsePeriod(periodName)
		if !ok || period == model.PeriodQuarterly {
			return nil, fmt.Errorf("%w: period %q", ErrInvalidPlan, periodName)
		}
		plan, ok := model.ParsePlan(planName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, planName)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: limit %q", ErrInvalidPlan, item)
		}
		limits[period][plan] = n
	}
	return limits, nil
}

// LicenseSource 提供当前有效许可证
type LicenseSource interface {
	ActiveLicense(ctx context.Context) (*model.License, error)
}

// QuotaCheck 一次配额检查的结果
type QuotaCheck struct {
	TenantID     string            `json:"tenant_id"`
	Allowed      bool              `json:"allowed"`
	Used         int               `json:"used"`
	Limit        int               `json:"limit"`
	Remaining    int               `json:"remaining"`
	Plan         model.Plan        `json:"plan"`
	PeriodType   model.PeriodType  `json:"period_type"`
	Window       model.QuotaWindow `json:"window"`
	Remediations []Remediation     `json:"remediations,omitempty"`
	// Stale 为 true 表示存储暂时不可用，结果来自最近一次成功的检查
	Stale     bool      `json:"stale"`
	CheckedAt time.Time `json:"checked_at"`
}

// Err 未超额时返回 nil
func (c *QuotaCheck) Err() error {
	if c.Allowed {
		return nil
	}
	return &QuotaExceededError{
		Used:         c.Used,
		Limit:        c.Limit,
		Plan:         c.Plan,
		PeriodType:   c.PeriodType,
		Window:       c.Window,
		Remediations: c.Remediations,
	}
}

// QuotaGate 统计当前窗口内的主记录数量，决定是否允许新登记
type QuotaGate struct {
	store    store.RecordStore
	licenses LicenseSource
	limits   LimitTable
	clock    clock.Clock
	timeout  time.Duration
	grace    time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	lastGood map[string]QuotaCheck
}

type QuotaGateConfig struct {
	Limits       LimitTable
	StoreTimeout time.Duration
	// Grace 存储不可用时，在该时长内可沿用上一次成功的检查结果
	Grace  time.Duration
	Logger *zap.Logger
}

func NewQuotaGate(st store.RecordStore, licenses LicenseSource, clk clock.Clock, cfg QuotaGateConfig) *QuotaGate {
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &QuotaGate{
		store:    st,
		licenses: licenses,
		limits:   cfg.Limits,
		clock:    clk,
		timeout:  cfg.StoreTimeout,
		grace:    cfg.Grace,
		logger:   cfg.Logger,
		lastGood: make(map[string]QuotaCheck),
	}
}

// CurrentWindow 年付许可证的窗口是到期前一年；其余按自然月统计
func (g *QuotaGate) CurrentWindow(lic model.License) (model.QuotaWindow, error) {
	limit, ok := g.limits.Limit(lic.Plan, lic.PeriodType)
	if !ok {
		return model.QuotaWindow{}, ErrInvalidPlan
	}
	if lic.PeriodType == model.PeriodAnnual {
		return model.QuotaWindow{
			Start: lic.ExpiresAt.AddDate(-1, 0, 0),
			End:   lic.ExpiresAt,
			Limit: limit,
		}, nil
	}
	now := g.clock.Now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return model.QuotaWindow{
		Start: start,
		End:   start.AddDate(0, 1, 0).Add(-time.Nanosecond),
		Limit: limit,
	}, nil
}

// CheckAndMaybeAllocate 检查租户当前窗口是否还有余量。
// 只统计未删除的物流主记录，同一编号只计一次。
func (g *QuotaGate) CheckAndMaybeAllocate(ctx context.Context, tenantID string) (*QuotaCheck, error) {
	lic, err := g.licenses.ActiveLicense(ctx)
	if err != nil {
		return nil, err
	}
	if lic.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	window, err := g.CurrentWindow(*lic)
	if err != nil {
		return nil, err
	}
	log := logger.WithTenant(g.logger, tenantID)

	regs, err := g.list(ctx, tenantID)
	if err != nil {
		if cached, ok := g.recent(tenantID); ok {
			log.Warn("存储不可用，沿用最近一次配额检查结果", zap.Error(err))
			cached.Stale = true
			return &cached, nil
		}
		log.Error("存储不可用，无法检查配额", zap.Error(err))
		return nil, storeUnavailable(err)
	}

	used := countPrimary(regs, window)
	check := QuotaCheck{
		TenantID:   tenantID,
		Allowed:    used < window.Limit,
		Used:       used,
		Limit:      window.Limit,
		Plan:       lic.Plan,
		PeriodType: lic.PeriodType,
		Window:     window,
		CheckedAt:  g.clock.Now(),
	}
	if check.Allowed {
		check.Remaining = window.Limit - used
	} else {
		check.Remediations = g.remediations(lic.Plan, lic.PeriodType)
		log.Info("登记配额已用完", zap.Int("used", used), zap.Int("limit", window.Limit))
	}

	g.mu.Lock()
	g.lastGood[tenantID] = check
	g.mu.Unlock()
	return &check, nil
}

// remediations 同套餐追加包，以及所有更高的套餐
func (g *QuotaGate) remediations(plan model.Plan, period model.PeriodType) []Remediation {
	limit, _ := g.limits.Limit(plan, period)
	out := []Remediation{{
		Action:      RemediationAdditionalPackage,
		Plan:        plan,
		Limit:       limit,
		Description: "购买同套餐追加包，从现在开始新的计费周期，数据保留",
	}}
	higher := false
	for _, p := range model.PlanOrder {
		if p == plan {
			higher = true
			continue
		}
		if !higher {
			continue
		}
		l, ok := g.limits.Limit(p, period)
		if !ok {
			continue
		}
		out = append(out, Remediation{
			Action:      RemediationUpgradePlan,
			Plan:        p,
			Limit:       l,
			Description: "升级套餐，数据保留",
		})
	}
	return out
}

func (g *QuotaGate) recent(tenantID string) (QuotaCheck, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.lastGood[tenantID]
	if !ok || g.clock.Now().Sub(c.CheckedAt) > g.grace {
		return QuotaCheck{}, false
	}
	return c, true
}

func (g *QuotaGate) list(ctx context.Context, tenantID string) ([]model.Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.store.List(ctx, tenantID, nil)
}

func countPrimary(regs []model.Registration, window model.QuotaWindow) int {
	seen := make(map[string]struct{})
	for i := range regs {
		reg := &regs[i]
		if reg.Deleted || !reg.IsPrimary() || !window.Contains(reg.CreatedAt) {
			continue
		}
		seen[reg.Number] = struct{}{}
	}
	return len(seen)
}
