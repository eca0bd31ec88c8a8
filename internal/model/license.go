package model

import (
	"strings"
	"time"
)

// Plan 套餐等级
type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanStandard   Plan = "standard"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// PlanOrder 从低到高排列，用于给出升级建议
var PlanOrder = []Plan{PlanBasic, PlanStandard, PlanPremium, PlanEnterprise}

// ParsePlan 解析套餐名称，兼容旧版西语名称
func ParsePlan(raw string) (Plan, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "basic", "basico", "básico":
		return PlanBasic, true
	case "standard", "estandar", "estándar":
		return PlanStandard, true
	case "premium":
		return PlanPremium, true
	case "enterprise":
		return PlanEnterprise, true
	}
	return "", false
}

// PeriodType 计费周期
type PeriodType string

const (
	PeriodMonthly   PeriodType = "monthly"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodAnnual    PeriodType = "annual"
)

// ParsePeriod 解析周期名称，兼容旧版 venta/renta 以及西语名称
func ParsePeriod(raw string) (PeriodType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "monthly", "mensual", "renta", "m":
		return PeriodMonthly, true
	case "quarterly", "trimestral", "t":
		return PeriodQuarterly, true
	case "annual", "anual", "venta", "a":
		return PeriodAnnual, true
	}
	return "", false
}

// Months 周期对应的月数
func (p PeriodType) Months() int {
	switch p {
	case PeriodQuarterly:
		return 3
	case PeriodAnnual:
		return 12
	default:
		return 1
	}
}

// Code 许可证密钥中的周期字母
func (p PeriodType) Code() string {
	switch p {
	case PeriodQuarterly:
		return "T"
	case PeriodAnnual:
		return "A"
	default:
		return "M"
	}
}

// LicenseStatus 许可证状态
type LicenseStatus string

const (
	StatusAvailable LicenseStatus = "available"
	StatusActivated LicenseStatus = "activated"
	StatusExpired   LicenseStatus = "expired"
)

// License 当前会话的有效许可证，序列化后存放在缓存中
type License struct {
	LicenseKey  string        `json:"license_key"`
	TenantID    string        `json:"tenant_id"`
	Plan        Plan          `json:"plan"`
	PeriodType  PeriodType    `json:"period_type"`
	Status      LicenseStatus `json:"status"`
	ActivatedAt time.Time     `json:"activated_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Expired 判断在 now 时刻是否已过期
func (l *License) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
