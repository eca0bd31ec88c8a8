package handler

import "github.com/gofiber/fiber/v2"

type commitInput struct {
	Number string `json:"number"`
	Module string `json:"module"`
}

// HandleQuota 当前租户的配额使用情况
func (h *Handler) HandleQuota(c *fiber.Ctx) error {
	lic, err := h.licenses.ActiveLicense(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	check, err := h.quota.CheckAndMaybeAllocate(c.UserContext(), lic.TenantID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(check)
}

func (h *Handler) HandleListRegistrations(c *fiber.Ctx) error {
	regs, err := h.registrar.List(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"registrations": regs,
	})
}

// HandleReserveRegistration 配额允许时分配下一个编号，超额返回 402 和补救方式
func (h *Handler) HandleReserveRegistration(c *fiber.Ctx) error {
	res, err := h.registrar.Reserve(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) HandleCommitRegistration(c *fiber.Ctx) error {
	input := new(commitInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "无效的输入数据",
		})
	}
	reg, err := h.registrar.Commit(c.UserContext(), input.Number, input.Module)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reg)
}

func (h *Handler) HandleDeleteRegistration(c *fiber.Ctx) error {
	if err := h.registrar.Delete(c.UserContext(), c.Params("number")); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleDiagnose 诊断当前租户的编号状态
func (h *Handler) HandleDiagnose(c *fiber.Ctx) error {
	lic, err := h.licenses.ActiveLicense(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return h.diagnose(c, lic.TenantID)
}

// HandleHeal 修复当前租户的编号缓存
func (h *Handler) HandleHeal(c *fiber.Ctx) error {
	lic, err := h.licenses.ActiveLicense(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return h.heal(c, lic.TenantID)
}

func (h *Handler) HandleTenantDiagnose(c *fiber.Ctx) error {
	return h.diagnose(c, c.Params("tenant"))
}

func (h *Handler) HandleTenantHeal(c *fiber.Ctx) error {
	return h.heal(c, c.Params("tenant"))
}

func (h *Handler) diagnose(c *fiber.Ctx, tenantID string) error {
	report, err := h.reconciler.Diagnose(c.UserContext(), tenantID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(report)
}

func (h *Handler) heal(c *fiber.Ctx, tenantID string) error {
	result, err := h.reconciler.Heal(c.UserContext(), tenantID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(result)
}
