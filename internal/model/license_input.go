package model

import "time"

// LedgerEntry 管理端台账中的一条许可证
type LedgerEntry struct {
	LicenseKey   string        `json:"license_key"`
	TenantID     string        `json:"tenant_id"`
	Plan         Plan          `json:"plan,omitempty"`
	PeriodType   PeriodType    `json:"period_type"`
	Status       LicenseStatus `json:"status"`
	GeneratedAt  time.Time     `json:"generated_at"`
	ActivatedAt  *time.Time    `json:"activated_at,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	CustomerName string        `json:"customer_name,omitempty"`
}

// LicenseInput 批量生成许可证的参数
type LicenseInput struct {
	Count  int    `json:"count"`
	Plan   string `json:"plan"`
	Period string `json:"period"`
	Year   string `json:"year"`
	Month  string `json:"month"`
}
