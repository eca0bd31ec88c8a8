package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"registry-licensing-system/internal/cache"
	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/model"

	"go.uber.org/zap"
)

const (
	keyAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyBlockLength  = 8
	maxGenerateSize = 500
)

var (
	twoDigitPattern = regexp.MustCompile(`^\d{2}$`)

	ErrInvalidLedgerInput = errors.New("invalid license generation input")
)

// LicenseLedger 管理端生成并跟踪的许可证台账，整体以 JSON 存放在缓存中
type LicenseLedger struct {
	cache  cache.Cache
	clock  clock.Clock
	mirror LedgerMirror
	logger *zap.Logger
	random io.Reader

	mu sync.Mutex
}

func NewLicenseLedger(c cache.Cache, clk clock.Clock, mirror LedgerMirror, log *zap.Logger) *LicenseLedger {
	if log == nil {
		log = zap.NewNop()
	}
	// 未启用同步时 NewSheetSyncService 返回 nil 指针
	if s, ok := mirror.(*SheetSyncService); ok && s == nil {
		mirror = nil
	}
	return &LicenseLedger{
		cache:  c,
		clock:  clk,
		mirror: mirror,
		logger: log,
		random: rand.Reader,
	}
}

// Generate 批量生成可用许可证
func (l *LicenseLedger) Generate(ctx context.Context, in model.LicenseInput) ([]model.LedgerEntry, error) {
	if in.Count < 1 || in.Count > maxGenerateSize {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidLedgerInput, maxGenerateSize)
	}
	period, ok := model.ParsePeriod(in.Period)
	if !ok {
		return nil, fmt.Errorf("%w: period %q", ErrInvalidLedgerInput, in.Period)
	}
	var plan model.Plan
	if strings.TrimSpace(in.Plan) != "" {
		if plan, ok = model.ParsePlan(in.Plan); !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, in.Plan)
		}
	}

	now := l.clock.Now()
	year := in.Year
	if year == "" {
		year = YearPrefix(now)
	}
	month := in.Month
	if month == "" {
		month = fmt.Sprintf("%02d", int(now.Month()))
	}
	if !twoDigitPattern.MatchString(year) {
		return nil, fmt.Errorf("%w: year %q", ErrInvalidLedgerInput, year)
	}
	if !twoDigitPattern.MatchString(month) || month < "01" || month > "12" {
		return nil, fmt.Errorf("%w: month %q", ErrInvalidLedgerInput, month)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.LicenseKey] = true
	}

	generated := make([]model.LedgerEntry, 0, in.Count)
	for len(generated) < in.Count {
		key, err := l.newKey(year, month, period)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		generated = append(generated, model.LedgerEntry{
			LicenseKey:  key,
			TenantID:    DeriveTenantID(key),
			Plan:        plan,
			PeriodType:  period,
			Status:      model.StatusAvailable,
			GeneratedAt: now,
		})
	}

	if err := l.save(ctx, append(entries, generated...)); err != nil {
		return nil, err
	}
	if l.mirror != nil {
		if err := l.mirror.BatchSyncEntries(ctx, generated); err != nil {
			l.logger.Warn("同步新许可证到外部表格失败", zap.Error(err))
		}
	}

	l.logger.Info("已生成许可证",
		zap.Int("count", len(generated)),
		zap.String("period_type", string(period)),
		zap.String("plan", string(plan)))
	return generated, nil
}

func (l *LicenseLedger) List(ctx context.Context) ([]model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

// Find 没有找到时返回 nil, nil
func (l *LicenseLedger) Find(ctx context.Context, key string) (*model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].LicenseKey == key {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

// SyncLicense 把激活许可证的状态和有效期写回台账，台账中没有该密钥时忽略
func (l *LicenseLedger) SyncLicense(ctx context.Context, lic model.License) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}
	idx := -1
	for i := range entries {
		if entries[i].LicenseKey == lic.LicenseKey {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	activatedAt, expiresAt := lic.ActivatedAt, lic.ExpiresAt
	e := &entries[idx]
	e.Status = lic.Status
	e.Plan = lic.Plan
	e.PeriodType = lic.PeriodType
	e.ActivatedAt = &activatedAt
	e.ExpiresAt = &expiresAt

	if err := l.save(ctx, entries); err != nil {
		return err
	}
	l.mirrorEntry(ctx, *e)
	return nil
}

// CheckExpirations 把已过期的激活许可证标记为 expired，返回标记数量
func (l *LicenseLedger) CheckExpirations(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	now := l.clock.Now()
	var expired []model.LedgerEntry
	for i := range entries {
		e := &entries[i]
		if e.Status == model.StatusActivated && e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			e.Status = model.StatusExpired
			expired = append(expired, *e)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := l.save(ctx, entries); err != nil {
		return 0, err
	}
	for _, e := range expired {
		l.mirrorEntry(ctx, e)
	}
	l.logger.Info("台账中许可证已过期", zap.Int("count", len(expired)))
	return len(expired), nil
}

// Delete 删除台账中的许可证
func (l *LicenseLedger) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.LicenseKey != key {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return fmt.Errorf("%w: %s", ErrLicenseNotFound, key)
	}
	return l.save(ctx, kept)
}

// Statistics 按状态、周期和套餐汇总
func (l *LicenseLedger) Statistics(ctx context.Context) (*model.LicenseStatistics, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &model.LicenseStatistics{
		TotalLicenses: len(entries),
		ByPeriod:      make(map[model.PeriodType]model.PeriodStatistics),
		ByPlan:        make(map[model.Plan]int),
	}
	for _, e := range entries {
		ps := stats.ByPeriod[e.PeriodType]
		switch e.Status {
		case model.StatusAvailable:
			stats.AvailableLicenses++
			ps.Available++
		case model.StatusActivated:
			stats.ActiveLicenses++
			ps.Activated++
		case model.StatusExpired:
			stats.ExpiredLicenses++
			ps.Expired++
		}
		stats.ByPeriod[e.PeriodType] = ps
		if e.Plan != "" {
			stats.ByPlan[e.Plan]++
		}
	}
	return stats, nil
}

// Resync 把整个台账推送到外部表格
func (l *LicenseLedger) Resync(ctx context.Context) (int, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	if l.mirror == nil {
		return 0, nil
	}
	for _, e := range entries {
		if err := l.mirror.SyncEntry(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// load 读取台账，旧版的周期、套餐、状态名称在读取时统一迁移
func (l *LicenseLedger) load(ctx context.Context) ([]model.LedgerEntry, error) {
	raw, ok, err := l.cache.Get(ctx, cache.KeyLicenseLedger)
	if err != nil {
		return nil, fmt.Errorf("读取许可证台账失败: %w", err)
	}
	if !ok || raw == "" {
		return []model.LedgerEntry{}, nil
	}
	var entries []model.LedgerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("许可证台账数据损坏: %w", err)
	}

	migrated := 0
	for i := range entries {
		if migrateEntry(&entries[i]) {
			migrated++
		}
	}
	if migrated > 0 {
		if err := l.save(ctx, entries); err != nil {
			return nil, err
		}
		l.logger.Info("已迁移旧版台账记录", zap.Int("count", migrated))
	}
	return entries, nil
}

func (l *LicenseLedger) save(ctx context.Context, entries []model.LedgerEntry) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := l.cache.Set(ctx, cache.KeyLicenseLedger, string(b)); err != nil {
		return fmt.Errorf("保存许可证台账失败: %w", err)
	}
	return nil
}

func (l *LicenseLedger) mirrorEntry(ctx context.Context, e model.LedgerEntry) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.SyncEntry(ctx, e); err != nil {
		l.logger.Warn("同步许可证到外部表格失败", zap.String("license_key", e.LicenseKey), zap.Error(err))
	}
}

func (l *LicenseLedger) newKey(year, month string, period model.PeriodType) (string, error) {
	first, err := l.randomBlock()
	if err != nil {
		return "", err
	}
	second, err := l.randomBlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TF%s%s%s-%s-%s", year, month, period.Code(), first, second), nil
}

func (l *LicenseLedger) randomBlock() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < keyBlockLength; i++ {
		n, err := rand.Int(l.random, max)
		if err != nil {
			return "", fmt.Errorf("生成随机密钥失败: %w", err)
		}
		sb.WriteByte(keyAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func migrateEntry(e *model.LedgerEntry) bool {
	changed := false
	if p, ok := model.ParsePeriod(string(e.PeriodType)); ok && p != e.PeriodType {
		e.PeriodType = p
		changed = true
	}
	if e.Plan != "" {
		if p, ok := model.ParsePlan(string(e.Plan)); ok && p != e.Plan {
			e.Plan = p
			changed = true
		}
	}
	var status model.LicenseStatus
	switch strings.ToLower(string(e.Status)) {
	case "disponible", "available":
		status = model.StatusAvailable
	case "activada", "activated", "active":
		status = model.StatusActivated
	case "expirada", "expired":
		status = model.StatusExpired
	}
	if status != "" && status != e.Status {
		e.Status = status
		changed = true
	}
	if e.TenantID == "" && e.LicenseKey != "" {
		e.TenantID = DeriveTenantID(e.LicenseKey)
		changed = true
	}
	return changed
}
