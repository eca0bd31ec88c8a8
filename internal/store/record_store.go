package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"registry-licensing-system/internal/model"

	"gorm.io/gorm"
)

var (
	ErrDuplicateRegistration = errors.New("registration number already in use")
	ErrRegistrationNotFound  = errors.New("registration not found")
)

// RecordStore 业务记录的持久化存储，是编号唯一性的唯一依据
type RecordStore interface {
	// List 列出租户的登记记录。filter 只是性能提示，传 nil 时返回全部
	List(ctx context.Context, tenantID string, filter *model.IDRange) ([]model.Registration, error)
	Exists(ctx context.Context, tenantID, number string) (bool, error)
	Create(ctx context.Context, reg *model.Registration) error
	MarkDeleted(ctx context.Context, tenantID, number string) error
}

type GormRecordStore struct {
	db *gorm.DB
}

func NewGormRecordStore(db *gorm.DB) *GormRecordStore {
	return &GormRecordStore{db: db}
}

func (s *GormRecordStore) List(ctx context.Context, tenantID string, filter *model.IDRange) ([]model.Registration, error) {
	var regs []model.Registration
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter != nil {
		query = query.Where("number BETWEEN ? AND ?", filter.From, filter.To)
	}
	if err := query.Order("number ASC").Find(&regs).Error; err != nil {
		return nil, fmt.Errorf("查询登记记录失败: %w", err)
	}
	return regs, nil
}

func (s *GormRecordStore) Exists(ctx context.Context, tenantID, number string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Registration{}).
		Where("tenant_id = ? AND number = ? AND deleted = ?", tenantID, number, false).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询登记记录失败: %w", err)
	}
	return count > 0, nil
}

// Create 保存登记记录。同一租户同一模块下未删除的编号不允许重复
func (s *GormRecordStore) Create(ctx context.Context, reg *model.Registration) error {
	if reg == nil || strings.TrimSpace(reg.TenantID) == "" || strings.TrimSpace(reg.Number) == "" {
		return errors.New("tenant id and number are required")
	}
	if reg.Module == "" {
		reg.Module = model.ModuleLogistics
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Registration{}).
			Where("tenant_id = ? AND number = ? AND module = ? AND deleted = ?", reg.TenantID, reg.Number, reg.Module, false).
			Count(&count).Error; err != nil {
			return fmt.Errorf("查询登记记录失败: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateRegistration, reg.Number)
		}
		if err := tx.Create(reg).Error; err != nil {
			return fmt.Errorf("创建登记记录失败: %w", err)
		}
		return nil
	})
}

// MarkDeleted 软删除该编号下的所有记录(包括运输、开票等从属记录)
func (s *GormRecordStore) MarkDeleted(ctx context.Context, tenantID, number string) error {
	result := s.db.WithContext(ctx).Model(&model.Registration{}).
		Where("tenant_id = ? AND number = ? AND deleted = ?", tenantID, number, false).
		Update("deleted", true)
	if result.Error != nil {
		return fmt.Errorf("删除登记记录失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRegistrationNotFound, number)
	}
	return nil
}

var _ RecordStore = (*GormRecordStore)(nil)
