package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/chatconnect-widget/internal/auth"
	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// Gin context keys set by APIKeyAuth.
const (
	TenantKey   = "tenant"
	TenantIDKey = "tenantID"
)

// Authenticator is the subset of *auth.Gate used by APIKeyAuth.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey, origin string) (*domain.Tenant, error)
}

// CurrentTenant returns the tenant bound by APIKeyAuth.
func CurrentTenant(c *gin.Context) (*domain.Tenant, bool) {
	v, ok := c.Get(TenantKey)
	if !ok {
		return nil, false
	}
	t, ok := v.(*domain.Tenant)
	return t, ok && t != nil
}

// APIKeyAuth authenticates widget requests by their x-api-key header and
// declared origin. On success the tenant is stored in the Gin context and in
// the request context, the request-scoped logger gains tenant_id, and the
// allowed origin is echoed in Access-Control-Allow-Origin.
//
// Rejections:
//
//	401 unauthorized        missing, malformed or unknown key
//	403 tenant_inactive     tenant paused or disabled (body carries status)
//	403 domain_not_allowed  origin not on the tenant's allow-list
//	500 internal_error      tenant lookup failed
func APIKeyAuth(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := auth.OriginFromRequest(c.Request)
		t, err := a.Authenticate(c.Request.Context(), c.GetHeader(auth.HeaderAPIKey), origin)
		if err != nil {
			rejectAuth(c, err, origin)
			return
		}

		c.Set(TenantKey, t)
		c.Set(TenantIDKey, t.ID)
		c.Request = c.Request.WithContext(auth.WithTenant(c.Request.Context(), t))
		withLogFields(c, func(lc zerolog.Context) zerolog.Context {
			return lc.Str("tenant_id", t.ID)
		})
		LoggerFrom(c).Debug().Str("stage", "authorized").Msg("widget request authorized")

		allowOrigin(c, origin)
		c.Next()
	}
}

func rejectAuth(c *gin.Context, err error, origin string) {
	rid := RequestIDFrom(c)
	lg := LoggerFrom(c)

	var ae *auth.Error
	if !errors.As(err, &ae) {
		lg.Error().Err(err).Msg("tenant lookup failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"request_id": rid,
			"code":       "internal_error",
			"message":    "internal server error",
		})
		return
	}

	authRejections.WithLabelValues(ae.Kind.String()).Inc()
	lg.Info().Str("reason", ae.Kind.String()).Msg("widget request rejected")
	switch ae.Kind {
	case auth.TenantNotActive:
		// The caller holds a valid key, so let the browser read the status.
		if ae.OriginAllowed {
			allowOrigin(c, origin)
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"request_id": rid,
			"code":       "tenant_inactive",
			"message":    "widget is not active",
			"status":     ae.Status,
		})
	case auth.DomainNotAllowed:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"request_id": rid,
			"code":       "domain_not_allowed",
			"message":    "origin not allowed for this widget",
		})
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"request_id": rid,
			"code":       "unauthorized",
			"message":    "invalid or missing api key",
		})
	}
}
