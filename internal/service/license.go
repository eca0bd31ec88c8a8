package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"registry-licensing-system/internal/cache"
	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 例如 TF2512A-KVX3DGZT-0L68B1TY：TF + 年 + 月 + 周期字母 + 两段 8 位字母数字
var licenseKeyPattern = regexp.MustCompile(`^TF(\d{2})(\d{2})([AMT])-[A-Z0-9]{8}-[A-Z0-9]{8}$`)

// ValidateLicenseKey 校验密钥格式并返回其中编码的计费周期
func ValidateLicenseKey(key string) (model.PeriodType, error) {
	m := licenseKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, key)
	}
	period, _ := model.ParsePeriod(m[3])
	return period, nil
}

// DeriveTenantID tenant_ + 小写且去掉连字符的密钥
func DeriveTenantID(key string) string {
	return "tenant_" + strings.ToLower(strings.ReplaceAll(key, "-", ""))
}

// DemoLicense 演示许可证，可被任何正式许可证直接替换，不允许改套餐或续费
type DemoLicense struct {
	LicenseKey string
	TenantID   string
}

// ConfirmFunc 替换已有正式许可证前询问用户，返回 false 表示取消
type ConfirmFunc func(current model.License, newKey string) bool

type ActivateOptions struct {
	// Upgrade 为 true 时保留当前租户，数据不丢失
	Upgrade bool
	Confirm ConfirmFunc
}

// LicenseManager 管理当前激活的许可证，状态保存在缓存中
type LicenseManager struct {
	cache   cache.Cache
	ledger  *LicenseLedger
	clock   clock.Clock
	demo    DemoLicense
	auditDB *gorm.DB
	logger  *zap.Logger

	mu sync.Mutex
}

type LicenseManagerConfig struct {
	Demo DemoLicense
	// Ledger 为空时租户直接由密钥推导
	Ledger  *LicenseLedger
	AuditDB *gorm.DB
	Logger  *zap.Logger
}

func NewLicenseManager(c cache.Cache, clk clock.Clock, cfg LicenseManagerConfig) *LicenseManager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &LicenseManager{
		cache:   c,
		ledger:  cfg.Ledger,
		clock:   clk,
		demo:    cfg.Demo,
		auditDB: cfg.AuditDB,
		logger:  cfg.Logger,
	}
}

// IsDemo 是否为演示许可证
func (m *LicenseManager) IsDemo(lic *model.License) bool {
	if lic == nil {
		return false
	}
	if m.demo.LicenseKey != "" && lic.LicenseKey == m.demo.LicenseKey {
		return true
	}
	return m.demo.TenantID != "" && lic.TenantID == m.demo.TenantID
}

// Activate 激活许可证。
// 已有演示许可证时直接替换；已有正式许可证时，升级模式沿用原租户，
// 否则必须经过 Confirm 确认，原租户被放弃。
func (m *LicenseManager) Activate(ctx context.Context, key string, opts ActivateOptions) (*model.License, error) {
	key = strings.TrimSpace(key)
	keyPeriod, err := ValidateLicenseKey(key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	action := ActionLicenseActivate
	preserve := false
	if current != nil && current.Status == model.StatusActivated {
		switch {
		case m.IsDemo(current):
			m.logger.Info("替换演示许可证", zap.String("license_key", key))
		case opts.Upgrade:
			preserve = true
		default:
			if opts.Confirm == nil || !opts.Confirm(*current, key) {
				return nil, ErrUserCancelledReplacement
			}
			action = ActionLicenseReplace
		}
	}

	entry := m.findLedgerEntry(ctx, key)
	now := m.clock.Now()

	lic := model.License{
		LicenseKey:  key,
		TenantID:    DeriveTenantID(key),
		Plan:        model.PlanBasic,
		PeriodType:  keyPeriod,
		Status:      model.StatusActivated,
		ActivatedAt: now,
		UpdatedAt:   now,
	}
	if entry != nil {
		if entry.TenantID != "" {
			lic.TenantID = entry.TenantID
		}
		if entry.Plan != "" {
			lic.Plan = entry.Plan
		}
		if entry.PeriodType != "" {
			lic.PeriodType = entry.PeriodType
		}
	}
	if preserve {
		lic.TenantID = current.TenantID
		lic.ActivatedAt = current.ActivatedAt
		if entry == nil || entry.Plan == "" {
			lic.Plan = current.Plan
		}
	}
	lic.ExpiresAt = now.AddDate(0, lic.PeriodType.Months(), 0)

	if err := m.save(ctx, &lic); err != nil {
		return nil, err
	}
	m.syncLedger(ctx, lic)

	details := map[string]interface{}{
		"plan":        lic.Plan,
		"period_type": lic.PeriodType,
		"expires_at":  lic.ExpiresAt,
		"upgrade":     preserve,
	}
	if current != nil {
		details["previous_key"] = current.LicenseKey
		details["previous_tenant"] = current.TenantID
	}
	m.audit(action, lic.TenantID, lic.LicenseKey, details)

	m.logger.Info("许可证已激活",
		zap.String("license_key", lic.LicenseKey),
		zap.String("tenant_id", lic.TenantID),
		zap.String("plan", string(lic.Plan)),
		zap.String("period_type", string(lic.PeriodType)),
		zap.Bool("upgrade", preserve))
	return &lic, nil
}

// ChangePlan 修改套餐或周期，租户不变。
// 同一套餐视为追加包，从现在开始新的周期；
// 换套餐且不换周期时，从当前到期日(已过期则从现在)顺延一个周期。
func (m *LicenseManager) ChangePlan(ctx context.Context, plan model.Plan, period *model.PeriodType) (*model.License, error) {
	if !validPlan(plan) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}
	if period != nil && !validPeriod(*period) {
		return nil, fmt.Errorf("%w: period %q", ErrInvalidPlan, *period)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lic, err := m.activeLocked(ctx)
	if err != nil {
		return nil, err
	}
	if m.IsDemo(lic) {
		return nil, ErrDemoLicenseRestricted
	}

	now := m.clock.Now()
	previous := *lic
	switch {
	case plan == lic.Plan:
		if period != nil {
			lic.PeriodType = *period
		}
		lic.ExpiresAt = now.AddDate(0, lic.PeriodType.Months(), 0)
	case period != nil:
		lic.PeriodType = *period
		lic.ExpiresAt = now.AddDate(0, lic.PeriodType.Months(), 0)
	default:
		lic.ExpiresAt = laterOf(now, lic.ExpiresAt).AddDate(0, lic.PeriodType.Months(), 0)
	}
	lic.Plan = plan
	lic.UpdatedAt = now

	if err := m.save(ctx, lic); err != nil {
		return nil, err
	}
	m.syncLedger(ctx, *lic)
	m.audit(ActionLicenseChange, lic.TenantID, lic.LicenseKey, map[string]interface{}{
		"from_plan":   previous.Plan,
		"to_plan":     lic.Plan,
		"from_period": previous.PeriodType,
		"to_period":   lic.PeriodType,
		"expires_at":  lic.ExpiresAt,
	})
	return lic, nil
}

// Renew 续费一个周期，已过期的许可证续费后重新生效
func (m *LicenseManager) Renew(ctx context.Context) (*model.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lic, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNoActiveLicense
	}
	if m.IsDemo(lic) {
		return nil, ErrDemoLicenseRestricted
	}

	now := m.clock.Now()
	lic.ExpiresAt = laterOf(now, lic.ExpiresAt).AddDate(0, lic.PeriodType.Months(), 0)
	lic.Status = model.StatusActivated
	lic.UpdatedAt = now

	if err := m.save(ctx, lic); err != nil {
		return nil, err
	}
	m.syncLedger(ctx, *lic)
	m.audit(ActionLicenseRenew, lic.TenantID, lic.LicenseKey, map[string]interface{}{
		"expires_at": lic.ExpiresAt,
	})
	return lic, nil
}

// Current 当前许可证，可能已过期；没有时返回 nil
func (m *LicenseManager) Current(ctx context.Context) (*model.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

// ActiveLicense 当前有效的许可证，没有或已过期时返回 ErrNoActiveLicense
func (m *LicenseManager) ActiveLicense(ctx context.Context) (*model.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(ctx)
}

// IsActive 存储读取失败时视为未激活
func (m *LicenseManager) IsActive(ctx context.Context) bool {
	_, err := m.ActiveLicense(ctx)
	return err == nil
}

// DaysRemaining 向上取整，过期为 0
func (m *LicenseManager) DaysRemaining(ctx context.Context) (int, error) {
	lic, err := m.ActiveLicense(ctx)
	if err != nil {
		return 0, err
	}
	left := lic.ExpiresAt.Sub(m.clock.Now())
	if left <= 0 {
		return 0, nil
	}
	return int(math.Ceil(left.Hours() / 24)), nil
}

// Deactivate 清除本地许可证，台账状态不变
func (m *LicenseManager) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cache.Remove(ctx, cache.KeyActiveLicense); err != nil {
		return fmt.Errorf("清除许可证失败: %w", err)
	}
	m.logger.Info("许可证已停用")
	return nil
}

func (m *LicenseManager) activeLocked(ctx context.Context) (*model.License, error) {
	lic, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if lic == nil || lic.Status != model.StatusActivated {
		return nil, ErrNoActiveLicense
	}
	return lic, nil
}

// load 读取时顺带处理到期：过期的许可证立即落盘为 expired
func (m *LicenseManager) load(ctx context.Context) (*model.License, error) {
	raw, ok, err := m.cache.Get(ctx, cache.KeyActiveLicense)
	if err != nil {
		return nil, fmt.Errorf("读取许可证失败: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var lic model.License
	if err := json.Unmarshal([]byte(raw), &lic); err != nil {
		m.logger.Warn("许可证数据损坏，按未激活处理", zap.Error(err))
		return nil, nil
	}

	now := m.clock.Now()
	if lic.Status == model.StatusActivated && lic.Expired(now) {
		lic.Status = model.StatusExpired
		lic.UpdatedAt = now
		if err := m.save(ctx, &lic); err != nil {
			return nil, err
		}
		m.syncLedger(ctx, lic)
		m.audit(ActionLicenseExpire, lic.TenantID, lic.LicenseKey, map[string]interface{}{
			"expires_at": lic.ExpiresAt,
		})
		m.logger.Info("许可证已过期", zap.String("license_key", lic.LicenseKey), zap.Time("expires_at", lic.ExpiresAt))
	}
	return &lic, nil
}

func (m *LicenseManager) save(ctx context.Context, lic *model.License) error {
	b, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	if err := m.cache.Set(ctx, cache.KeyActiveLicense, string(b)); err != nil {
		return fmt.Errorf("保存许可证失败: %w", err)
	}
	return nil
}

func (m *LicenseManager) findLedgerEntry(ctx context.Context, key string) *model.LedgerEntry {
	if m.ledger == nil {
		return nil
	}
	entry, err := m.ledger.Find(ctx, key)
	if err != nil {
		m.logger.Warn("查询许可证台账失败，租户由密钥推导", zap.String("license_key", key), zap.Error(err))
		return nil
	}
	return entry
}

// syncLedger 台账同步失败不影响本地许可证
func (m *LicenseManager) syncLedger(ctx context.Context, lic model.License) {
	if m.ledger == nil || m.IsDemo(&lic) {
		return
	}
	if err := m.ledger.SyncLicense(ctx, lic); err != nil {
		m.logger.Warn("更新许可证台账失败", zap.String("license_key", lic.LicenseKey), zap.Error(err))
	}
}

func (m *LicenseManager) audit(action, tenantID, key string, details interface{}) {
	if err := LogOperation(m.auditDB, "license", action, tenantID, key, details); err != nil {
		m.logger.Warn("写入操作日志失败", zap.String("action", action), zap.Error(err))
	}
}

func validPlan(plan model.Plan) bool {
	for _, p := range model.PlanOrder {
		if p == plan {
			return true
		}
	}
	return false
}

func validPeriod(p model.PeriodType) bool {
	switch p {
	case model.PeriodMonthly, model.PeriodQuarterly, model.PeriodAnnual:
		return true
	}
	return false
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
