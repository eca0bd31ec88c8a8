package service

import (
	"encoding/json"
	"time"

	"registry-licensing-system/internal/model"

	"gorm.io/gorm"
)

// 操作日志中使用的 action
const (
	ActionLicenseActivate = "license.activate"
	ActionLicenseReplace  = "license.replace"
	ActionLicenseChange   = "license.change_plan"
	ActionLicenseRenew    = "license.renew"
	ActionLicenseExpire   = "license.expire"
	ActionReconcileHeal   = "reconcile.heal"
	ActionSequenceDrift   = "sequence.drift"
)

func LogOperation(db *gorm.DB, actor string, action string, target string, targetID string, details interface{}) error {
	if db == nil {
		return nil
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	log := &model.OperationLog{
		Actor:     actor,
		Action:    action,
		Target:    target,
		TargetID:  targetID,
		Details:   string(detailsJSON),
		CreatedAt: time.Now(),
	}

	return db.Create(log).Error
}

// 获取操作日志列表
func GetOperationLogs(db *gorm.DB, page, pageSize int) ([]model.OperationLog, int64, error) {
	var logs []model.OperationLog
	var total int64

	// 获取总数
	if err := db.Model(&model.OperationLog{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 获取分页数据
	offset := (page - 1) * pageSize
	if err := db.Order("id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}

// 获取某个对象(租户或许可证)的操作日志
func GetTargetOperationLogs(db *gorm.DB, target string, page, pageSize int) ([]model.OperationLog, int64, error) {
	var logs []model.OperationLog
	var total int64

	if err := db.Model(&model.OperationLog{}).Where("target = ?", target).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := db.Where("target = ?", target).Order("id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
