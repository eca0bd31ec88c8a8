package service

import (
	"context"
	"errors"
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
)

// Reservation 已分配、尚未保存的编号
type Reservation struct {
	TenantID string     `json:"tenant_id"`
	Number   string     `json:"number"`
	Quota    QuotaCheck `json:"quota"`
}

// Registrar 串起许可证、配额和编号分配，是登记流程的入口
type Registrar struct {
	licenses  LicenseSource
	quota     *QuotaGate
	allocator *SequenceAllocator
	store     store.RecordStore
	cache     cache.Cache
	clock     clock.Clock
	timeout   time.Duration
	logger    *zap.Logger
}

type RegistrarConfig struct {
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

func NewRegistrar(licenses LicenseSource, quota *QuotaGate, allocator *SequenceAllocator, st store.RecordStore, c cache.Cache, clk clock.Clock, cfg RegistrarConfig) *Registrar {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registrar{
		licenses:  licenses,
		quota:     quota,
		allocator: allocator,
		store:     st,
		cache:     c,
		clock:     clk,
		timeout:   cfg.StoreTimeout,
		logger:    cfg.Logger,
	}
}

// Reserve 检查许可证和配额后分配下一个编号
func (r *Registrar) Reserve(ctx context.Context) (*Reservation, error) {
	lic, err := r.licenses.ActiveLicense(ctx)
	if err != nil {
		return nil, err
	}
	check, err := r.quota.CheckAndMaybeAllocate(ctx, lic.TenantID)
	if err != nil {
		return nil, err
	}
	if err := check.Err(); err != nil {
		return nil, err
	}
	number, err := r.allocator.AllocateNext(ctx, lic.TenantID)
	if err != nil {
		return nil, err
	}
	return &Reservation{TenantID: lic.TenantID, Number: number, Quota: *check}, nil
}

// Commit 保存登记记录。从属模块(运输、开票)沿用已有的主记录编号。
func (r *Registrar) Commit(ctx context.Context, number, module string) (*model.Registration, error) {
	lic, err := r.licenses.ActiveLicense(ctx)
	if err != nil {
		return nil, err
	}
	number = strings.TrimSpace(number)
	if !registrationIDPattern.MatchString(number) {
		return nil, fmt.Errorf("%w: number %q", ErrInvalidRegistration, number)
	}
	if module == "" {
		module = model.ModuleLogistics
	}
	switch module {
	case model.ModuleLogistics, model.ModuleTraffic, model.ModuleBilling:
	default:
		return nil, fmt.Errorf("%w: module %q", ErrInvalidRegistration, module)
	}
	if err := r.checkNumber(ctx, lic.TenantID, number, module); err != nil {
		return nil, err
	}
	yy, _ := strconv.Atoi(number[:2])

	reg := &model.Registration{
		TenantID:  lic.TenantID,
		Number:    number,
		Year:      2000 + yy,
		Module:    module,
		CreatedAt: r.clock.Now(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err = r.store.Create(storeCtx, reg)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRegistration) {
			return nil, err
		}
		return nil, storeUnavailable(err)
	}

	log := logger.WithTenant(r.logger, lic.TenantID)
	if reg.IsPrimary() {
		key := cache.StagedCandidateKey(lic.TenantID)
		staged, ok, err := r.cache.Get(ctx, key)
		if err == nil && ok && staged == number {
			if err := r.cache.Remove(ctx, key); err != nil {
				log.Warn("清除候选编号失败", zap.Error(err))
			}
		}
	}
	log.Info("登记记录已保存", zap.String("number", number), zap.String("module", module))
	return reg, nil
}

// checkNumber 从属模块必须挂在已有的主记录上；主记录编号不能越过存储最大值 + 1
func (r *Registrar) checkNumber(ctx context.Context, tenantID, number, module string) error {
	if module != model.ModuleLogistics {
		storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		exists, err := r.store.Exists(storeCtx, tenantID, number)
		cancel()
		if err != nil {
			return storeUnavailable(err)
		}
		if !exists {
			return fmt.Errorf("%w: no primary record for %s", ErrInvalidRegistration, number)
		}
		return nil
	}

	yy := number[:2]
	trueMax, err := r.allocator.reconciler.TrueMaximum(ctx, tenantID, yy)
	if err != nil {
		return err
	}
	n, _ := ParseRegistrationID(number, yy)
	if n == 0 || n > trueMax+1 {
		return fmt.Errorf("%w: %s was not reserved (next is %s)", ErrInvalidRegistration, number, FormatRegistrationID(yy, trueMax+1))
	}
	return nil
}

// Delete 软删除，删除后的编号不参与最大值计算
func (r *Registrar) Delete(ctx context.Context, number string) error {
	lic, err := r.licenses.ActiveLicense(ctx)
	if err != nil {
		return err
	}
	storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.MarkDeleted(storeCtx, lic.TenantID, strings.TrimSpace(number)); err != nil {
		if errors.Is(err, store.ErrRegistrationNotFound) {
			return err
		}
		return storeUnavailable(err)
	}
	logger.WithTenant(r.logger, lic.TenantID).Info("登记记录已删除", zap.String("number", number))
	return nil
}

// List 当前租户的全部登记记录
func (r *Registrar) List(ctx context.Context) ([]model.Registration, error) {
	lic, err := r.licenses.ActiveLicense(ctx)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	regs, err := r.store.List(storeCtx, lic.TenantID, nil)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return regs, nil
}
