package handler

import (
	"time"

	"registry-licensing-system/internal/model"

	"github.com/gofiber/fiber/v2"
)

// DailyRegistrations 每日新登记的主记录数量
type DailyRegistrations struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// HandleLicenseStatistics 台账统计，以及指定时间段内的登记情况
func (h *Handler) HandleLicenseStatistics(c *fiber.Ctx) error {
	startDate := c.Query("start_date")
	endDate := c.Query("end_date")

	var start, end time.Time
	var err error

	if startDate != "" {
		start, err = time.Parse("2006-01-02", startDate)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"code":    400,
				"message": "开始日期格式错误",
				"errors": []fiber.Map{
					{"field": "start_date", "message": "日期格式应为 YYYY-MM-DD"},
				},
			})
		}
	} else {
		// 默认为30天前
		start = h.clock.Now().AddDate(0, 0, -30)
	}

	if endDate != "" {
		end, err = time.Parse("2006-01-02", endDate)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"code":    400,
				"message": "结束日期格式错误",
				"errors": []fiber.Map{
					{"field": "end_date", "message": "日期格式应为 YYYY-MM-DD"},
				},
			})
		}
		// 包含结束当天
		end = end.AddDate(0, 0, 1).Add(-time.Nanosecond)
	} else {
		end = h.clock.Now()
	}

	stats, err := h.ledger.Statistics(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    500,
			"message": "获取许可证统计失败",
		})
	}

	db := h.db.WithContext(c.UserContext())

	var total int64
	if err := db.Model(&model.Registration{}).
		Where("deleted = ? AND created_at BETWEEN ? AND ?", false, start, end).
		Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    500,
			"message": "获取登记总数失败",
		})
	}

	var moduleStats []struct {
		Module string
		Count  int
	}
	if err := db.Model(&model.Registration{}).
		Select("module, count(*) as count").
		Where("deleted = ? AND created_at BETWEEN ? AND ?", false, start, end).
		Group("module").
		Scan(&moduleStats).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    500,
			"message": "获取模块统计失败",
		})
	}
	byModule := make(map[string]int, len(moduleStats))
	for _, ms := range moduleStats {
		byModule[ms.Module] = ms.Count
	}

	var tenants int64
	if err := db.Model(&model.Registration{}).
		Where("deleted = ? AND created_at BETWEEN ? AND ?", false, start, end).
		Distinct("tenant_id").
		Count(&tenants).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    500,
			"message": "获取租户统计失败",
		})
	}

	daily := make([]DailyRegistrations, 0)
	if err := db.Model(&model.Registration{}).
		Select("DATE(created_at) as date, COUNT(*) as count").
		Where("deleted = ? AND module = ? AND created_at BETWEEN ? AND ?", false, model.ModuleLogistics, start, end).
		Group("DATE(created_at)").
		Order("date ASC").
		Scan(&daily).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    500,
			"message": "获取每日登记统计失败",
		})
	}

	return c.JSON(fiber.Map{
		"code":    200,
		"message": "success",
		"data": fiber.Map{
			"licenses":        stats,
			"activation_rate": stats.GetActivationRate(),
			"registrations": fiber.Map{
				"total":          total,
				"active_tenants": tenants,
				"by_module":      byModule,
				"daily":          daily,
			},
		},
	})
}
