// Internal operator handlers.
//
// These endpoints back the dashboard and service-to-service checks. They are
// mounted under /internal and guarded by the X-Internal-Secret header:
//   - POST /internal/tenants                       (create, returns the key once)
//   - GET  /internal/tenants/{id}                  (read)
//   - POST /internal/tenants/{id}/regenerate-key   (rotate key)
//   - PUT  /internal/tenants/{id}/status           (activate, pause, disable)
//   - PUT  /internal/tenants/{id}/domains          (replace allow-list)
//   - PUT  /internal/tenants/{id}/widget-config    (appearance)
//   - POST /internal/validate-client               (resolve x-api-key)
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chatconnect-widget/internal/auth"
	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/http/middleware"
	"github.com/tbourn/chatconnect-widget/internal/services"
)

// TenantAdmin manages tenant lifecycle.
type TenantAdmin interface {
	Create(ctx context.Context, name string, tier domain.Tier, domains []string) (*domain.Tenant, error)
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	RegenerateKey(ctx context.Context, id string) (string, error)
	UpdateStatus(ctx context.Context, id string, status domain.TenantStatus) error
	UpdateDomains(ctx context.Context, id string, domains []string) ([]string, error)
	Validate(ctx context.Context, apiKey string) (*domain.Tenant, error)
}

// WidgetConfigAdmin stores widget appearance.
type WidgetConfigAdmin interface {
	Put(ctx context.Context, wc domain.WidgetConfig) (*domain.WidgetConfig, error)
}

// InternalHandler groups the operator endpoints.
type InternalHandler struct {
	tenants TenantAdmin
	configs WidgetConfigAdmin
}

// NewInternalHandler constructs an InternalHandler.
func NewInternalHandler(tenants TenantAdmin, configs WidgetConfigAdmin) *InternalHandler {
	return &InternalHandler{tenants: tenants, configs: configs}
}

//
// DTOs
//

// CreateTenantRequest is the payload of POST /internal/tenants.
type CreateTenantRequest struct {
	Name           string   `json:"name"            binding:"required,max=200"`
	Tier           string   `json:"tier"            binding:"omitempty,oneof=free paid"`
	AllowedDomains []string `json:"allowed_domains" binding:"max=100"`
}

// TenantWithKey is returned when a key is issued. The key is never shown
// again.
type TenantWithKey struct {
	*domain.Tenant
	APIKey string `json:"api_key"`
}

// UpdateStatusRequest is the payload of PUT /internal/tenants/{id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active paused disabled"`
}

// UpdateDomainsRequest is the payload of PUT /internal/tenants/{id}/domains.
type UpdateDomainsRequest struct {
	AllowedDomains []string `json:"allowed_domains" binding:"max=100"`
}

// ValidateClientResponse mirrors what the processor needs to know about a
// widget key.
type ValidateClientResponse struct {
	ClientID string              `json:"client_id"`
	Tier     domain.Tier         `json:"tier"`
	Status   domain.TenantStatus `json:"status"`
}

//
// Handlers
//

// CreateTenant registers a tenant and returns it with its first key.
func (h *InternalHandler) CreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := h.tenants.Create(c.Request.Context(), req.Name, domain.Tier(req.Tier), req.AllowedDomains)
	if err != nil {
		h.serviceFailure(c, err)
		return
	}
	middleware.LoggerFrom(c).Info().Str("tenant_id", t.ID).Msg("tenant created")
	ok(c, http.StatusCreated, TenantWithKey{Tenant: t, APIKey: t.PublicAPIKey})
}

// GetTenant returns one tenant without its key.
func (h *InternalHandler) GetTenant(c *gin.Context) {
	t, err := h.tenants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceFailure(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// RegenerateKey rotates the tenant's key. The previous key stops working
// immediately.
func (h *InternalHandler) RegenerateKey(c *gin.Context) {
	id := c.Param("id")
	key, err := h.tenants.RegenerateKey(c.Request.Context(), id)
	if err != nil {
		h.serviceFailure(c, err)
		return
	}
	middleware.LoggerFrom(c).Info().Str("tenant_id", id).Msg("api key regenerated")
	ok(c, http.StatusOK, gin.H{"api_key": key})
}

// UpdateStatus changes the tenant's lifecycle state.
func (h *InternalHandler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	id := c.Param("id")
	if err := h.tenants.UpdateStatus(c.Request.Context(), id, domain.TenantStatus(req.Status)); err != nil {
		h.serviceFailure(c, err)
		return
	}
	middleware.LoggerFrom(c).Info().Str("tenant_id", id).Str("status", req.Status).Msg("tenant status updated")
	noContent(c)
}

// UpdateDomains replaces the origin allow-list and returns the normalized
// entries.
func (h *InternalHandler) UpdateDomains(c *gin.Context) {
	var req UpdateDomainsRequest
	if !bindJSON(c, &req) {
		return
	}
	clean, err := h.tenants.UpdateDomains(c.Request.Context(), c.Param("id"), req.AllowedDomains)
	if err != nil {
		h.serviceFailure(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"allowed_domains": clean})
}

// PutWidgetConfig stores the tenant's widget appearance.
func (h *InternalHandler) PutWidgetConfig(c *gin.Context) {
	var req domain.WidgetConfig
	if !bindJSON(c, &req) {
		return
	}
	id := c.Param("id")
	if _, err := h.tenants.Get(c.Request.Context(), id); err != nil {
		h.serviceFailure(c, err)
		return
	}
	req.TenantID = id
	wc, err := h.configs.Put(c.Request.Context(), req)
	if err != nil {
		h.serviceFailure(c, err)
		return
	}
	ok(c, http.StatusOK, wc)
}

// ValidateClient resolves the x-api-key header regardless of tenant status.
func (h *InternalHandler) ValidateClient(c *gin.Context) {
	t, err := h.tenants.Validate(c.Request.Context(), c.GetHeader(auth.HeaderAPIKey))
	if errors.Is(err, services.ErrTenantNotFound) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid api key")
		return
	}
	if err != nil {
		h.serviceFailure(c, err)
		return
	}
	ok(c, http.StatusOK, ValidateClientResponse{ClientID: t.ID, Tier: t.Tier, Status: t.Status})
}

func (h *InternalHandler) serviceFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrTenantNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
	case errors.Is(err, services.ErrInvalidTenantName),
		errors.Is(err, services.ErrInvalidTier),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrInvalidDomain),
		errors.Is(err, services.ErrInvalidWidgetConfig):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrKeyGeneration):
		fail(c, http.StatusConflict, ErrCodeConflict, "could not issue a unique api key")
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("internal operation failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
