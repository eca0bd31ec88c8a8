package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"registry-licensing-system/internal/cache"
	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/logger"

	"go.uber.org/zap"
)

// MaxSequence 每年最多 99999 个编号
const MaxSequence = 99999

var registrationIDPattern = regexp.MustCompile(`^\d{7}$`)

// YearPrefix 年份后两位
func YearPrefix(t time.Time) string {
	return fmt.Sprintf("%02d", t.Year()%100)
}

// FormatRegistrationID 年份前缀 + 5 位补零序号，例如 2500007
func FormatRegistrationID(yearPrefix string, seq int) string {
	return fmt.Sprintf("%s%05d", yearPrefix, seq)
}

// ParseRegistrationID 解析属于 yearPrefix 年份的编号，格式不符时返回 false
func ParseRegistrationID(id, yearPrefix string) (int, bool) {
	if !registrationIDPattern.MatchString(id) || !strings.HasPrefix(id, yearPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(id[2:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SequenceAllocator 计算租户当年的下一个登记编号
type SequenceAllocator struct {
	reconciler *Reconciler
	cache      cache.Cache
	clock      clock.Clock
	logger     *zap.Logger
}

func NewSequenceAllocator(reconciler *Reconciler, c cache.Cache, clk clock.Clock, log *zap.Logger) *SequenceAllocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &SequenceAllocator{
		reconciler: reconciler,
		cache:      c,
		clock:      clk,
		logger:     log,
	}
}

// AllocateNext 返回下一个编号并在缓存中预留。
// 缓存只是提示，编号总是以存储中的最大值为准；存储不可用时拒绝分配。
// 预留不等于提交，调用方保存失败时该编号作废。
func (a *SequenceAllocator) AllocateNext(ctx context.Context, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	yy := YearPrefix(a.clock.Now())
	log := logger.WithTenant(a.logger, tenantID).With(zap.String("year_prefix", yy))

	hint := a.reconciler.readHint(ctx, tenantID, yy)

	trueMax, err := a.reconciler.TrueMaximum(ctx, tenantID, yy)
	if err != nil {
		log.Error("无法确认最大编号，拒绝分配", zap.Error(err))
		return "", err
	}

	if hint.present && (!hint.valid || hint.value > trueMax) {
		// 缓存超前于存储：以存储为准，下面写回时一并纠正
		log.Warn("编号缓存超前于存储",
			zap.String("cache_hint", hint.raw),
			zap.Int("true_maximum", trueMax))
		a.reconciler.audit(tenantID, ActionSequenceDrift, yy, map[string]interface{}{
			"cache_hint":   hint.raw,
			"true_maximum": trueMax,
		})
	}

	next := trueMax + 1
	if next > MaxSequence {
		return "", fmt.Errorf("%w: %s", ErrSequenceExhausted, yy)
	}
	id := FormatRegistrationID(yy, next)

	// 缓存写入必须是最后一步
	if err := a.cache.Set(ctx, cache.SequenceHintKey(tenantID, yy), strconv.Itoa(next)); err != nil {
		log.Warn("写入编号缓存失败", zap.Error(err))
	}
	if err := a.cache.Set(ctx, cache.StagedCandidateKey(tenantID), id); err != nil {
		log.Warn("写入候选编号失败", zap.Error(err))
	}

	log.Debug("已分配登记编号", zap.String("number", id))
	return id, nil
}
