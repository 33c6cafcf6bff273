package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chatconnect-widget/internal/auth"
	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// PreflightResolver answers origin questions for CORS preflights.
type PreflightResolver interface {
	TenantByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error)
	OriginAllowedByAny(ctx context.Context, origin string, policy auth.OriginPolicy) (bool, error)
}

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, x-api-key, X-Request-ID"
	corsMaxAge       = "600"
)

// TenantCORS applies the tenant allow-lists to CORS. Every response varies
// on Origin. OPTIONS requests are answered here with 204: when the preflight
// carries an x-api-key the tenant's own list decides, otherwise the origin
// passes if any active tenant admits it. Non-preflight requests get their
// Access-Control-Allow-Origin from APIKeyAuth.
func TenantCORS(res PreflightResolver, policy auth.OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		addVary(c.Writer.Header(), "Origin")
		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}

		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if origin != "" && preflightAllowed(c, res, policy, origin) {
			allowOrigin(c, origin)
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}

func preflightAllowed(c *gin.Context, res PreflightResolver, policy auth.OriginPolicy, origin string) bool {
	ctx := c.Request.Context()
	if key := c.GetHeader(auth.HeaderAPIKey); auth.ValidKeyFormat(key) {
		t, err := res.TenantByAPIKey(ctx, key)
		if err == nil {
			return policy.Evaluate(t.AllowedDomains, origin).Allowed
		}
		if !errors.Is(err, auth.ErrUnknownKey) {
			LoggerFrom(c).Error().Err(err).Msg("preflight tenant lookup failed")
		}
		return false
	}
	ok, err := res.OriginAllowedByAny(ctx, origin, policy)
	if err != nil {
		LoggerFrom(c).Error().Err(err).Msg("preflight origin lookup failed")
		return false
	}
	return ok
}

// allowOrigin echoes origin in Access-Control-Allow-Origin. Opaque "null"
// origins are never echoed.
func allowOrigin(c *gin.Context, origin string) {
	if origin == "" || origin == "null" {
		return
	}
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	addVary(h, "Origin")
}

func addVary(h http.Header, v string) {
	for _, cur := range h.Values("Vary") {
		for _, p := range strings.Split(cur, ",") {
			if strings.EqualFold(strings.TrimSpace(p), v) {
				return
			}
		}
	}
	h.Add("Vary", v)
}
