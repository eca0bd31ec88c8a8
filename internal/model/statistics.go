package model

// PeriodStatistics 某个周期下各状态的数量
type PeriodStatistics struct {
	Available int `json:"available"`
	Activated int `json:"activated"`
	Expired   int `json:"expired"`
}

// Total 该周期许可证总数
func (p PeriodStatistics) Total() int {
	return p.Available + p.Activated + p.Expired
}

// LicenseStatistics 许可证台账统计信息
type LicenseStatistics struct {
	TotalLicenses     int                             `json:"total_licenses"`
	AvailableLicenses int                             `json:"available_licenses"`
	ActiveLicenses    int                             `json:"active_licenses"`
	ExpiredLicenses   int                             `json:"expired_licenses"`
	ByPeriod          map[PeriodType]PeriodStatistics `json:"by_period"`
	ByPlan            map[Plan]int                    `json:"by_plan"`
}

// GetActivationRate 计算已售出(激活过)的比例
func (ls *LicenseStatistics) GetActivationRate() float64 {
	if ls.TotalLicenses == 0 {
		return 0
	}
	return float64(ls.ActiveLicenses+ls.ExpiredLicenses) / float64(ls.TotalLicenses)
}

// GetUsageByPlan 获取指定套餐的许可证数量
func (ls *LicenseStatistics) GetUsageByPlan(plan Plan) int {
	if count, ok := ls.ByPlan[plan]; ok {
		return count
	}
	return 0
}

// GetByPeriod 获取指定周期的统计
func (ls *LicenseStatistics) GetByPeriod(period PeriodType) PeriodStatistics {
	return ls.ByPeriod[period]
}
