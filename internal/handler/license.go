package handler

import (
	"errors"

	"registry-licensing-system/internal/model"
	"registry-licensing-system/internal/service"

	"github.com/gofiber/fiber/v2"
)

type activateInput struct {
	LicenseKey         string `json:"license_key"`
	Upgrade            bool   `json:"upgrade"`
	ConfirmReplacement bool   `json:"confirm_replacement"`
}

type changePlanInput struct {
	Plan       string `json:"plan"`
	PeriodType string `json:"period_type"`
}

// HandleCurrentLicense 当前许可证以及剩余天数
func (h *Handler) HandleCurrentLicense(c *fiber.Ctx) error {
	lic, err := h.licenses.Current(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if lic == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "尚未激活许可证",
		})
	}

	days := 0
	if lic.Status == model.StatusActivated {
		if days, err = h.licenses.DaysRemaining(c.UserContext()); err != nil && !errors.Is(err, service.ErrNoActiveLicense) {
			return h.fail(c, err)
		}
	}
	return c.JSON(fiber.Map{
		"license":        lic,
		"active":         lic.Status == model.StatusActivated,
		"demo":           h.licenses.IsDemo(lic),
		"days_remaining": days,
	})
}

// HandleLicenseActivate 激活许可证。替换已有正式许可证时需要 confirm_replacement
func (h *Handler) HandleLicenseActivate(c *fiber.Ctx) error {
	input := new(activateInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "无效的输入数据",
		})
	}
	if input.LicenseKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "许可证密钥不能为空",
		})
	}

	var current *model.License
	lic, err := h.licenses.Activate(c.UserContext(), input.LicenseKey, service.ActivateOptions{
		Upgrade: input.Upgrade,
		Confirm: func(existing model.License, _ string) bool {
			current = &existing
			return input.ConfirmReplacement
		},
	})
	if errors.Is(err, service.ErrUserCancelledReplacement) && current != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":           "已存在有效许可证，替换将放弃原租户数据，请确认",
			"current_license": current,
		})
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(lic)
}

// HandleChangePlan 修改套餐，租户保持不变
func (h *Handler) HandleChangePlan(c *fiber.Ctx) error {
	input := new(changePlanInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "无效的输入数据",
		})
	}
	plan, ok := model.ParsePlan(input.Plan)
	if !ok {
		return h.fail(c, service.ErrInvalidPlan)
	}
	var period *model.PeriodType
	if input.PeriodType != "" {
		p, ok := model.ParsePeriod(input.PeriodType)
		if !ok {
			return h.fail(c, service.ErrInvalidPlan)
		}
		period = &p
	}

	lic, err := h.licenses.ChangePlan(c.UserContext(), plan, period)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(lic)
}

func (h *Handler) HandleLicenseRenew(c *fiber.Ctx) error {
	lic, err := h.licenses.Renew(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(lic)
}

func (h *Handler) HandleLicenseDeactivate(c *fiber.Ctx) error {
	if err := h.licenses.Deactivate(c.UserContext()); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleGetAllLicenses 管理员获取台账中的全部许可证
func (h *Handler) HandleGetAllLicenses(c *fiber.Ctx) error {
	entries, err := h.ledger.List(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"licenses": entries,
	})
}

// HandleLicenseGenerate 批量生成许可证
func (h *Handler) HandleLicenseGenerate(c *fiber.Ctx) error {
	input := new(model.LicenseInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "无效的输入数据",
		})
	}

	entries, err := h.ledger.Generate(c.UserContext(), *input)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"licenses": entries,
	})
}

func (h *Handler) HandleLicenseDelete(c *fiber.Ctx) error {
	if err := h.ledger.Delete(c.UserContext(), c.Params("key")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "许可证已删除",
	})
}

func (h *Handler) HandleCheckExpirations(c *fiber.Ctx) error {
	n, err := h.ledger.CheckExpirations(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"expired": n,
	})
}

// HandleLicenseSync 把整个台账推送到 Google Sheet
func (h *Handler) HandleLicenseSync(c *fiber.Ctx) error {
	n, err := h.ledger.Resync(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "同步到Google Sheet失败",
		})
	}
	return c.JSON(fiber.Map{
		"synced": n,
	})
}
