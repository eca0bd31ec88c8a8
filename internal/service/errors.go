package service

import (
	"errors"
	"fmt"

	"registry-licensing-system/internal/model"
)

var (
	ErrInvalidFormat            = errors.New("invalid license key format")
	ErrNoActiveLicense          = errors.New("no active license")
	ErrDemoLicenseRestricted    = errors.New("operation not allowed on demo license")
	ErrUserCancelledReplacement = errors.New("license replacement cancelled by user")
	ErrStoreUnavailable         = errors.New("record store unavailable")
	ErrQuotaExceeded            = errors.New("registration quota exceeded")
	ErrSequenceExhausted        = errors.New("registration sequence exhausted for year")
	ErrTenantMismatch           = errors.New("tenant does not match active license")
	ErrInvalidPlan              = errors.New("invalid plan")
	ErrLicenseNotFound          = errors.New("license not found in ledger")
	ErrInvalidRegistration      = errors.New("invalid registration")
)

// Remediation 配额用完后给用户的补救方式
type Remediation struct {
	Action      string     `json:"action"`
	Plan        model.Plan `json:"plan"`
	Limit       int        `json:"limit"`
	Description string     `json:"description"`
}

const (
	RemediationAdditionalPackage = "additional_package"
	RemediationUpgradePlan       = "upgrade_plan"
)

// QuotaExceededError 带上已用量、上限和补救方式，调用方据此展示给用户
type QuotaExceededError struct {
	Used         int               `json:"used"`
	Limit        int               `json:"limit"`
	Plan         model.Plan        `json:"plan"`
	PeriodType   model.PeriodType  `json:"period_type"`
	Window       model.QuotaWindow `json:"window"`
	Remediations []Remediation     `json:"remediations"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("registration quota exceeded: %d of %d used on %s/%s plan", e.Used, e.Limit, e.Plan, e.PeriodType)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

func storeUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
