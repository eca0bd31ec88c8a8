package model

import "time"

// 业务模块。只有物流记录是主记录，运输和开票记录沿用同一个编号
const (
	ModuleLogistics = "logistics"
	ModuleTraffic   = "traffic"
	ModuleBilling   = "billing"
)

// Registration 业务登记记录，Number 形如 2500007
type Registration struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"index:idx_registration_tenant_number;not null"`
	Number    string    `json:"number" gorm:"index:idx_registration_tenant_number;size:7;not null"`
	Year      int       `json:"year"`
	Module    string    `json:"module" gorm:"not null;default:'logistics'"`
	Deleted   bool      `json:"deleted" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPrimary 是否计入配额
func (r *Registration) IsPrimary() bool {
	return r.Module == "" || r.Module == ModuleLogistics
}

// IDRange 编号范围过滤条件，闭区间
type IDRange struct {
	From string
	To   string
}

// QuotaWindow 配额统计窗口
type QuotaWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Limit int       `json:"limit"`
}

// Contains 窗口是闭区间
func (w QuotaWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
