package handler

import (
	"errors"

	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/middleware"
	"registry-licensing-system/internal/service"
	"registry-licensing-system/internal/store"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler HTTP 接口，业务逻辑都在 service 包中
type Handler struct {
	db         *gorm.DB
	licenses   *service.LicenseManager
	ledger     *service.LicenseLedger
	quota      *service.QuotaGate
	reconciler *service.Reconciler
	registrar  *service.Registrar
	clock      clock.Clock
	logger     *zap.Logger
}

type Deps struct {
	DB         *gorm.DB
	Licenses   *service.LicenseManager
	Ledger     *service.LicenseLedger
	Quota      *service.QuotaGate
	Reconciler *service.Reconciler
	Registrar  *service.Registrar
	Clock      clock.Clock
	Logger     *zap.Logger
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Handler{
		db:         d.DB,
		licenses:   d.Licenses,
		ledger:     d.Ledger,
		quota:      d.Quota,
		reconciler: d.Reconciler,
		registrar:  d.Registrar,
		clock:      d.Clock,
		logger:     d.Logger,
	}
}

// Register 注册全部路由，管理端路由需要管理员令牌
func (h *Handler) Register(app *fiber.App, jwtSecret string) {
	api := app.Group("/api/v1")
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 许可证
	license := api.Group("/license")
	license.Get("/", h.HandleCurrentLicense)
	license.Post("/activate", h.HandleLicenseActivate)
	license.Put("/plan", h.HandleChangePlan)
	license.Post("/renew", h.HandleLicenseRenew)
	license.Delete("/", h.HandleLicenseDeactivate)

	api.Get("/quota", h.HandleQuota)

	// 登记编号
	registrations := api.Group("/registrations")
	registrations.Get("/", h.HandleListRegistrations)
	registrations.Post("/", h.HandleCommitRegistration)
	registrations.Post("/reserve", h.HandleReserveRegistration)
	registrations.Get("/diagnose", h.HandleDiagnose)
	registrations.Post("/heal", h.HandleHeal)
	registrations.Delete("/:number", h.HandleDeleteRegistration)

	// 管理端
	admin := api.Group("/admin", middleware.Auth(jwtSecret), middleware.AdminOnly())
	admin.Get("/licenses", h.HandleGetAllLicenses)
	admin.Post("/licenses/generate", h.HandleLicenseGenerate)
	admin.Get("/licenses/statistics", h.HandleLicenseStatistics)
	admin.Post("/licenses/check-expirations", h.HandleCheckExpirations)
	admin.Post("/licenses/sync", h.HandleLicenseSync)
	admin.Delete("/licenses/:key", h.HandleLicenseDelete)
	admin.Get("/tenants/:tenant/diagnose", h.HandleTenantDiagnose)
	admin.Post("/tenants/:tenant/heal", h.HandleTenantHeal)
	admin.Get("/logs", h.HandleGetLogs)
	admin.Get("/logs/:target", h.HandleGetTargetLogs)
}

// fail 把业务错误转换为 HTTP 响应
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	var quotaErr *service.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":        "已达到套餐登记上限",
			"used":         quotaErr.Used,
			"limit":        quotaErr.Limit,
			"plan":         quotaErr.Plan,
			"period_type":  quotaErr.PeriodType,
			"window":       quotaErr.Window,
			"remediations": quotaErr.Remediations,
		})
	}

	status, message := fiber.StatusInternalServerError, "服务器内部错误"
	switch {
	case errors.Is(err, service.ErrInvalidFormat):
		status, message = fiber.StatusBadRequest, "许可证格式无效，正确格式: TF2512A-XXXXXXXX-XXXXXXXX"
	case errors.Is(err, service.ErrInvalidPlan):
		status, message = fiber.StatusBadRequest, "无效的套餐或周期"
	case errors.Is(err, service.ErrInvalidLedgerInput):
		status, message = fiber.StatusBadRequest, "无效的生成参数"
	case errors.Is(err, service.ErrInvalidRegistration):
		status, message = fiber.StatusBadRequest, "无效的登记编号或模块"
	case errors.Is(err, service.ErrNoActiveLicense):
		status, message = fiber.StatusForbidden, "没有有效的许可证"
	case errors.Is(err, service.ErrDemoLicenseRestricted):
		status, message = fiber.StatusForbidden, "演示许可证不支持该操作"
	case errors.Is(err, service.ErrTenantMismatch):
		status, message = fiber.StatusForbidden, "租户与当前许可证不一致"
	case errors.Is(err, service.ErrUserCancelledReplacement):
		status, message = fiber.StatusConflict, "已存在有效许可证，替换前需要确认"
	case errors.Is(err, service.ErrSequenceExhausted):
		status, message = fiber.StatusConflict, "本年度编号已用完"
	case errors.Is(err, store.ErrDuplicateRegistration):
		status, message = fiber.StatusConflict, "登记编号已存在"
	case errors.Is(err, store.ErrRegistrationNotFound):
		status, message = fiber.StatusNotFound, "登记记录不存在"
	case errors.Is(err, service.ErrLicenseNotFound):
		status, message = fiber.StatusNotFound, "许可证不存在"
	case errors.Is(err, service.ErrStoreUnavailable):
		status, message = fiber.StatusServiceUnavailable, "存储暂时不可用，请稍后重试"
	}

	if status >= fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
