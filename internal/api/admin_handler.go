package api

import (
	"context"
	"errors"
	"net/http"

	"shelfgate/internal/dto/req"
	"shelfgate/internal/dto/resp"
	"shelfgate/internal/service"
	"shelfgate/pkg/flagkey"

	"github.com/gin-gonic/gin"
)

// FlagProvider is the admin control plane surface.
type FlagProvider interface {
	ListTenantFlags(ctx context.Context, tenantID string) ([]resp.TenantFlagItem, error)
	UpsertTenantFlag(ctx context.Context, tenantID, key string, enabled bool, rollout, operator string) (*resp.TenantFlagItem, error)
	EffectiveFlags(ctx context.Context, tenantID string) (resp.EffectiveFlags, error)
	SetTenantOverride(ctx context.Context, tenantID, key string, value *bool, operator string) error
	SetPlatformOverride(ctx context.Context, key string, value *bool, operator string) error
	ListPlatformFlags(ctx context.Context, search string) ([]resp.PlatformFlagItem, error)
	UpsertPlatformFlag(ctx context.Context, key string, enabled bool, allowOverride *bool, rollout, regions, description, operator string) (*resp.PlatformFlagItem, error)
	GetAudits(ctx context.Context, scope, tenantID, key string) ([]resp.AuditLogItem, error)
	RollbackTenantFlag(ctx context.Context, tenantID, key string, auditID uint, operator string) (*resp.TenantFlagItem, error)
	Health(ctx context.Context) error
}

type AdminHandler struct {
	service FlagProvider
}

func NewAdminHandler(service FlagProvider) *AdminHandler {
	return &AdminHandler{service: service}
}

func (h *AdminHandler) ListTenantFlags(c *gin.Context) {
	items, err := h.service.ListTenantFlags(c.Request.Context(), c.Param("tenantId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(items))
}

func (h *AdminHandler) UpsertTenantFlag(c *gin.Context) {
	var body req.UpsertTenantFlagRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, resp.Fail("JSON format error"))
		return
	}

	operator := service.GetOperator(c.Request.Context())
	item, err := h.service.UpsertTenantFlag(c.Request.Context(),
		c.Param("tenantId"), c.Param("flag"), body.Enabled, body.Rollout, operator)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(item))
}

func (h *AdminHandler) EffectiveFlags(c *gin.Context) {
	flags, err := h.service.EffectiveFlags(c.Request.Context(), c.Param("tenantId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(flags))
}

func (h *AdminHandler) SetTenantOverride(c *gin.Context) {
	var body req.SetOverrideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, resp.Fail("JSON format error"))
		return
	}

	operator := service.GetOperator(c.Request.Context())
	err := h.service.SetTenantOverride(c.Request.Context(),
		c.Param("tenantId"), c.Param("flag"), body.Value, operator)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(nil))
}

func (h *AdminHandler) SetPlatformOverride(c *gin.Context) {
	var body req.SetOverrideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, resp.Fail("JSON format error"))
		return
	}

	operator := service.GetOperator(c.Request.Context())
	if err := h.service.SetPlatformOverride(c.Request.Context(), c.Param("flag"), body.Value, operator); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(nil))
}

func (h *AdminHandler) ListPlatformFlags(c *gin.Context) {
	items, err := h.service.ListPlatformFlags(c.Request.Context(), c.Query("search"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(items))
}

func (h *AdminHandler) UpsertPlatformFlag(c *gin.Context) {
	var body req.UpsertPlatformFlagRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, resp.Fail("JSON format error"))
		return
	}

	operator := service.GetOperator(c.Request.Context())
	item, err := h.service.UpsertPlatformFlag(c.Request.Context(), c.Param("flag"),
		body.Enabled, body.AllowOverride, body.Rollout, body.Regions, body.Description, operator)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(item))
}

func (h *AdminHandler) GetAudits(c *gin.Context) {
	audits, err := h.service.GetAudits(c.Request.Context(),
		c.Query("scope"), c.Query("tenant_id"), c.Param("flag"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(audits))
}

func (h *AdminHandler) RollbackFlag(c *gin.Context) {
	var body req.RollbackFlagRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, resp.Fail("invalid request body"))
		return
	}

	operator := service.GetOperator(c.Request.Context())
	item, err := h.service.RollbackTenantFlag(c.Request.Context(),
		body.TenantID, c.Param("flag"), uint(body.AuditID), operator)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.OK(item))
}

func (h *AdminHandler) HealthCheck(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps service errors onto status codes. Validation failures are the
// caller's fault; everything else is a 500.
func (h *AdminHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, flagkey.ErrInvalidKey),
		errors.Is(err, service.ErrTenantScopedKey),
		errors.Is(err, service.ErrTenantIDRequired),
		errors.Is(err, service.ErrAuditMismatch):
		c.JSON(http.StatusBadRequest, resp.Fail(err.Error()))
	case errors.Is(err, service.ErrFlagNotFound):
		c.JSON(http.StatusNotFound, resp.Fail(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, resp.Fail(err.Error()))
	}
}
