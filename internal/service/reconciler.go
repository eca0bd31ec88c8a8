package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"registry-licensing-system/internal/cache"
	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/logger"
	"registry-licensing-system/internal/model"
	"registry-licensing-system/internal/store"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultStoreTimeout = 3 * time.Second

// Report 编号诊断结果
type Report struct {
	TenantID        string `json:"tenant_id"`
	YearPrefix      string `json:"year_prefix"`
	TrueMaximum     int    `json:"true_maximum"`
	CacheHint       int    `json:"cache_hint"`
	HasCacheHint    bool   `json:"has_cache_hint"`
	NextExpected    int    `json:"next_expected"`
	NextID          string `json:"next_id"`
	Discrepancy     bool   `json:"discrepancy"`
	DeletedCount    int    `json:"deleted_count"`
	MalformedCount  int    `json:"malformed_count"`
	StagedCandidate string `json:"staged_candidate,omitempty"`

	hint hintValue
}

// HealResult 一次修复做了哪些动作
type HealResult struct {
	Report             Report `json:"report"`
	ClearedHint        bool   `json:"cleared_hint"`
	CaughtUpHint       bool   `json:"caught_up_hint"`
	DiscardedCandidate string `json:"discarded_candidate,omitempty"`
}

// Changed 是否有任何修改
func (r *HealResult) Changed() bool {
	return r.ClearedHint || r.CaughtUpHint || r.DiscardedCandidate != ""
}

type hintValue struct {
	raw     string
	value   int
	present bool
	valid   bool
}

// Reconciler 发现并修复缓存与存储之间的不一致，存储永远是权威来源
type Reconciler struct {
	store   store.RecordStore
	cache   cache.Cache
	clock   clock.Clock
	auditDB *gorm.DB
	logger  *zap.Logger
	timeout time.Duration
}

type ReconcilerConfig struct {
	StoreTimeout time.Duration
	// AuditDB 不为空时，修复动作写入操作日志
	AuditDB *gorm.DB
	Logger  *zap.Logger
}

func NewReconciler(st store.RecordStore, c cache.Cache, clk clock.Clock, cfg ReconcilerConfig) *Reconciler {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reconciler{
		store:   st,
		cache:   c,
		clock:   clk,
		auditDB: cfg.AuditDB,
		logger:  cfg.Logger,
		timeout: cfg.StoreTimeout,
	}
}

// TrueMaximum 存储中该租户该年份未删除编号的最大序号，没有时为 0。
// 先按编号范围查询，失败时退回一次全量查询并在本地过滤。
func (r *Reconciler) TrueMaximum(ctx context.Context, tenantID, yearPrefix string) (int, error) {
	regs, err := r.list(ctx, tenantID, &model.IDRange{
		From: yearPrefix + "00000",
		To:   yearPrefix + "99999",
	})
	if err != nil {
		logger.WithTenant(r.logger, tenantID).Warn("范围查询失败，改为全量查询", zap.Error(err))
		regs, err = r.list(ctx, tenantID, nil)
		if err != nil {
			return 0, storeUnavailable(err)
		}
	}
	return summarize(regs, yearPrefix).max, nil
}

// Diagnose 运维诊断，不在分配路径上
func (r *Reconciler) Diagnose(ctx context.Context, tenantID string) (*Report, error) {
	tenantID = strings.TrimSpace(tenantID)
	yy := YearPrefix(r.clock.Now())

	regs, err := r.list(ctx, tenantID, nil)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	sum := summarize(regs, yy)

	hint := r.readHint(ctx, tenantID, yy)
	staged, _, err := r.cache.Get(ctx, cache.StagedCandidateKey(tenantID))
	if err != nil {
		logger.WithTenant(r.logger, tenantID).Warn("读取候选编号失败", zap.Error(err))
		staged = ""
	}

	report := &Report{
		TenantID:        tenantID,
		YearPrefix:      yy,
		TrueMaximum:     sum.max,
		CacheHint:       hint.value,
		HasCacheHint:    hint.present,
		NextExpected:    sum.max + 1,
		NextID:          FormatRegistrationID(yy, sum.max+1),
		Discrepancy:     hint.present && (!hint.valid || hint.value != sum.max),
		DeletedCount:    sum.deleted,
		MalformedCount:  sum.malformed,
		StagedCandidate: staged,
		hint:            hint,
	}
	return report, nil
}

// Heal 重新计算最大编号并纠正缓存：
// 缓存超前时清除提示和候选编号；缓存落后时追平；过期的候选编号直接丢弃。
// 没有新写入时重复调用不会再做任何修改。
func (r *Reconciler) Heal(ctx context.Context, tenantID string) (*HealResult, error) {
	report, err := r.Diagnose(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	result := &HealResult{Report: *report}
	hintKey := cache.SequenceHintKey(report.TenantID, report.YearPrefix)
	stagedKey := cache.StagedCandidateKey(report.TenantID)

	switch {
	case report.hint.present && (!report.hint.valid || report.hint.value > report.TrueMaximum):
		if err := r.cache.Remove(ctx, hintKey); err != nil {
			return nil, fmt.Errorf("清除编号缓存失败: %w", err)
		}
		result.ClearedHint = true
		if report.StagedCandidate != "" {
			if err := r.cache.Remove(ctx, stagedKey); err != nil {
				return nil, fmt.Errorf("清除候选编号失败: %w", err)
			}
			result.DiscardedCandidate = report.StagedCandidate
		}
	case report.hint.present && report.hint.value < report.TrueMaximum:
		if err := r.cache.Set(ctx, hintKey, strconv.Itoa(report.TrueMaximum)); err != nil {
			return nil, fmt.Errorf("更新编号缓存失败: %w", err)
		}
		result.CaughtUpHint = true
	}

	if report.StagedCandidate != "" && result.DiscardedCandidate == "" {
		n, ok := ParseRegistrationID(report.StagedCandidate, report.YearPrefix)
		if !ok || n != report.TrueMaximum+1 {
			if err := r.cache.Remove(ctx, stagedKey); err != nil {
				return nil, fmt.Errorf("清除候选编号失败: %w", err)
			}
			result.DiscardedCandidate = report.StagedCandidate
		}
	}

	if result.Changed() {
		logger.WithTenant(r.logger, report.TenantID).Warn("编号缓存与存储不一致，已自动修复",
			zap.Int("true_maximum", report.TrueMaximum),
			zap.Int("cache_hint", report.CacheHint),
			zap.Bool("cleared_hint", result.ClearedHint),
			zap.Bool("caught_up_hint", result.CaughtUpHint),
			zap.String("discarded_candidate", result.DiscardedCandidate))
		r.audit(report.TenantID, ActionReconcileHeal, report.YearPrefix, result)
	}
	return result, nil
}

func (r *Reconciler) list(ctx context.Context, tenantID string, filter *model.IDRange) ([]model.Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.List(ctx, tenantID, filter)
}

// readHint 缓存读取失败按“没有提示”处理
func (r *Reconciler) readHint(ctx context.Context, tenantID, yearPrefix string) hintValue {
	raw, ok, err := r.cache.Get(ctx, cache.SequenceHintKey(tenantID, yearPrefix))
	if err != nil {
		logger.WithTenant(r.logger, tenantID).Warn("读取编号缓存失败", zap.Error(err))
		return hintValue{}
	}
	if !ok {
		return hintValue{}
	}
	h := hintValue{raw: raw, present: true}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil && n >= 0 {
		h.value = n
		h.valid = true
	}
	return h
}

func (r *Reconciler) audit(tenantID, action, targetID string, details interface{}) {
	if err := LogOperation(r.auditDB, "system", action, tenantID, targetID, details); err != nil {
		r.logger.Warn("写入操作日志失败", zap.String("action", action), zap.Error(err))
	}
}

type registrationSummary struct {
	max       int
	deleted   int
	malformed int
}

func summarize(regs []model.Registration, yearPrefix string) registrationSummary {
	var sum registrationSummary
	for _, reg := range regs {
		if !registrationIDPattern.MatchString(reg.Number) {
			sum.malformed++
			continue
		}
		n, ok := ParseRegistrationID(reg.Number, yearPrefix)
		if !ok {
			continue
		}
		if reg.Deleted {
			sum.deleted++
			continue
		}
		if n > sum.max {
			sum.max = n
		}
	}
	return sum
}
