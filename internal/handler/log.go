package handler

import (
	"strconv"

	"registry-licensing-system/internal/service"

	"github.com/gofiber/fiber/v2"
)

// HandleGetLogs 操作日志，按时间倒序分页
func (h *Handler) HandleGetLogs(c *fiber.Ctx) error {
	page, pageSize := pagination(c)

	logs, total, err := service.GetOperationLogs(h.db.WithContext(c.UserContext()), page, pageSize)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取日志失败",
		})
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}

// HandleGetTargetLogs 某个租户的操作日志
func (h *Handler) HandleGetTargetLogs(c *fiber.Ctx) error {
	page, pageSize := pagination(c)

	logs, total, err := service.GetTargetOperationLogs(h.db.WithContext(c.UserContext()), c.Params("target"), page, pageSize)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取日志失败",
		})
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}

func pagination(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))
	if page < 1 {
		page = 1
	}
	// 限制页面大小
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
