package handler

import (
	"context"
	"net/http"
	"testing"

	"registry-licensing-system/internal/model"
	"registry-licensing-system/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationFlow(t *testing.T) {
	a := newTestApp(t, nil)

	status, _ := a.do(t, http.MethodPost, "/api/v1/registrations/reserve", nil, false)
	assert.Equal(t, fiber.StatusForbidden, status)

	a.do(t, http.MethodPost, "/api/v1/license/activate", map[string]interface{}{"license_key": testKey}, false)

	status, body := a.do(t, http.MethodPost, "/api/v1/registrations/reserve", nil, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "2500001", body["number"])

	status, body = a.do(t, http.MethodPost, "/api/v1/registrations", map[string]interface{}{"number": "2500001"}, false)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "logistics", body["module"])

	status, _ = a.do(t, http.MethodPost, "/api/v1/registrations", map[string]interface{}{"number": "2500001"}, false)
	assert.Equal(t, fiber.StatusConflict, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/registrations", map[string]interface{}{"number": "2500001", "module": "billing"}, false)
	assert.Equal(t, fiber.StatusCreated, status)

	status, body = a.do(t, http.MethodGet, "/api/v1/quota", nil, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["used"])
	assert.Equal(t, float64(100), body["limit"])

	status, body = a.do(t, http.MethodPost, "/api/v1/registrations/reserve", nil, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "2500002", body["number"])

	status, body = a.do(t, http.MethodGet, "/api/v1/registrations", nil, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["registrations"], 2)

	status, _ = a.do(t, http.MethodDelete, "/api/v1/registrations/2500001", nil, false)
	assert.Equal(t, fiber.StatusNoContent, status)
	status, _ = a.do(t, http.MethodDelete, "/api/v1/registrations/2500001", nil, false)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestReserveQuotaExceededReturns402(t *testing.T) {
	limits := service.DefaultLimits()
	limits[model.PeriodMonthly][model.PlanBasic] = 1
	a := newTestApp(t, limits)
	a.do(t, http.MethodPost, "/api/v1/license/activate", map[string]interface{}{"license_key": testKey}, false)

	status, _ := a.do(t, http.MethodPost, "/api/v1/registrations", map[string]interface{}{"number": "2500001"}, false)
	require.Equal(t, fiber.StatusCreated, status)

	status, body := a.do(t, http.MethodPost, "/api/v1/registrations/reserve", nil, false)
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, float64(1), body["used"])
	assert.Equal(t, float64(1), body["limit"])
	remediations, ok := body["remediations"].([]interface{})
	require.True(t, ok)
	assert.Len(t, remediations, 4)
}

func TestDiagnoseAndHeal(t *testing.T) {
	a := newTestApp(t, nil)
	a.do(t, http.MethodPost, "/api/v1/license/activate", map[string]interface{}{"license_key": testKey}, false)
	tenant := service.DeriveTenantID(testKey)
	for _, n := range []string{"2500001", "2500002"} {
		require.NoError(t, a.store.Create(context.Background(), &model.Registration{TenantID: tenant, Number: n, CreatedAt: a.clock.Now()}))
	}

	// 分配后未保存，缓存领先于存储
	status, _ := a.do(t, http.MethodPost, "/api/v1/registrations/reserve", nil, false)
	require.Equal(t, fiber.StatusOK, status)

	status, body := a.do(t, http.MethodGet, "/api/v1/registrations/diagnose", nil, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["discrepancy"])
	assert.Equal(t, float64(2), body["true_maximum"])
	assert.Equal(t, float64(3), body["cache_hint"])

	status, body = a.do(t, http.MethodPost, "/api/v1/admin/tenants/"+tenant+"/heal", nil, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["cleared_hint"])

	status, body = a.do(t, http.MethodGet, "/api/v1/admin/tenants/"+tenant+"/diagnose", nil, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["discrepancy"])

	status, body = a.do(t, http.MethodGet, "/api/v1/admin/logs/"+tenant, nil, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.GreaterOrEqual(t, body["total"], float64(2))
}
