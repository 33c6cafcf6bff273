// Package httpapi wires the HTTP transport (Gin) to the widget services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// tenant-aware CORS, security headers, authentication, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Per-tenant CORS on the widget surface, static CORS on /internal
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/chatconnect-widget/internal/auth"
	"github.com/tbourn/chatconnect-widget/internal/config"
	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/http/handlers"
	"github.com/tbourn/chatconnect-widget/internal/http/middleware"
	"github.com/tbourn/chatconnect-widget/internal/relay"
	"github.com/tbourn/chatconnect-widget/internal/repo"
	"github.com/tbourn/chatconnect-widget/internal/services"
)

// maxBodyBytes caps every request body. Chat messages are at most 2000
// runes, so this leaves ample room for metadata.
const maxBodyBytes = 1 << 20

// tenantRepoShim adapts the repository free functions to the
// services.TenantRepo interface expected by the TenantService.
type tenantRepoShim struct{}

// CreateTenant proxies repo.CreateTenant.
func (tenantRepoShim) CreateTenant(ctx context.Context, db *gorm.DB, name, apiKey string, tier domain.Tier, domains []string) (*domain.Tenant, error) {
	return repo.CreateTenant(ctx, db, name, apiKey, tier, domains)
}

// GetTenant proxies repo.GetTenant.
func (tenantRepoShim) GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error) {
	return repo.GetTenant(ctx, db, id)
}

// GetTenantByAPIKey proxies repo.GetTenantByAPIKey.
func (tenantRepoShim) GetTenantByAPIKey(ctx context.Context, db *gorm.DB, apiKey string) (*domain.Tenant, error) {
	return repo.GetTenantByAPIKey(ctx, db, apiKey)
}

// RotateAPIKey proxies repo.RotateAPIKey.
func (tenantRepoShim) RotateAPIKey(ctx context.Context, db *gorm.DB, id, newKey string) error {
	return repo.RotateAPIKey(ctx, db, id, newKey)
}

// UpdateTenantStatus proxies repo.UpdateTenantStatus.
func (tenantRepoShim) UpdateTenantStatus(ctx context.Context, db *gorm.DB, id string, status domain.TenantStatus) error {
	return repo.UpdateTenantStatus(ctx, db, id, status)
}

// UpdateTenantDomains proxies repo.UpdateTenantDomains.
func (tenantRepoShim) UpdateTenantDomains(ctx context.Context, db *gorm.DB, id string, domains []string) error {
	return repo.UpdateTenantDomains(ctx, db, id, domains)
}

// ListActiveTenantDomains proxies repo.ListActiveTenantDomains (preflight support).
func (tenantRepoShim) ListActiveTenantDomains(ctx context.Context, db *gorm.DB) ([][]string, error) {
	return repo.ListActiveTenantDomains(ctx, db)
}

// widgetConfigRepoShim adapts the widget config repository functions to
// services.WidgetConfigRepo.
type widgetConfigRepoShim struct{}

// GetWidgetConfig proxies repo.GetWidgetConfig.
func (widgetConfigRepoShim) GetWidgetConfig(ctx context.Context, db *gorm.DB, tenantID string) (*domain.WidgetConfig, error) {
	return repo.GetWidgetConfig(ctx, db, tenantID)
}

// UpsertWidgetConfig proxies repo.UpsertWidgetConfig.
func (widgetConfigRepoShim) UpsertWidgetConfig(ctx context.Context, db *gorm.DB, wc *domain.WidgetConfig) error {
	return repo.UpsertWidgetConfig(ctx, db, wc)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine: health and metrics, the widget API under cfg.APIBasePath and the
// tenant administration API under /internal.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with key and PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Security headers
//
// The widget group then runs tenant CORS, a per-IP limiter, APIKeyAuth and
// a per-tenant limiter, in that order, so rejections never reach a handler.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, proc relay.Processor, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{auth.HeaderAPIKey, middleware.HeaderInternalSecret},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Dependency injection: services ← repo/db/processor
	policy := auth.OriginPolicy{EmptyListDenies: cfg.Auth.EmptyDomainsDeny}
	tenantSvc := services.NewTenantService(db, tenantRepoShim{})
	configSvc := &services.WidgetConfigService{DB: db, Repo: widgetConfigRepoShim{}}
	gate := auth.NewGate(tenantSvc, policy)
	relaySvc := relay.NewService(proc, relay.Options{
		Timeout:     cfg.Processor.Timeout,
		IdleTimeout: cfg.Processor.StreamIdleTimeout,
	})

	// Liveness/health
	health := handlers.NewHealthHandler(relaySvc, cfg.Version, cfg.Processor.HealthTimeout)
	r.GET("/health", health.Health)

	registerWidgetRoutes(r, cfg, tenantSvc, policy, gate, handlers.NewWidgetHandler(configSvc, relaySvc))
	registerInternalRoutes(r, cfg, handlers.NewInternalHandler(tenantSvc, configSvc))
}

func registerWidgetRoutes(r *gin.Engine, cfg config.Config, res middleware.PreflightResolver, policy auth.OriginPolicy, gate middleware.Authenticator, h *handlers.WidgetHandler) {
	base := strings.TrimRight(cfg.APIBasePath, "/")
	streamPath := base + "/chat/stream"

	limits := middleware.TierLimits{
		Default: middleware.Limit{RPS: cfg.Rate.RPS, Burst: cfg.Rate.Burst},
		Free:    middleware.Limit{RPS: cfg.Rate.FreeRPS, Burst: cfg.Rate.FreeBurst},
		Paid:    middleware.Limit{RPS: cfg.Rate.PaidRPS, Burst: cfg.Rate.PaidBurst},
	}
	// Before auth the key resolves to the client IP and the Default limit,
	// after auth to the tenant and its tier.
	ipLimiter := middleware.NewRateLimiter(middleware.TierLimits{Default: limits.Default}, middleware.KeyByTenantOrIP())
	tenantLimiter := middleware.NewRateLimiter(limits, middleware.KeyByTenantOrIP())

	w := groupWithPrefix(r, base)
	w.Use(middleware.TenantCORS(res, policy))
	// TenantCORS answers every preflight; the route only has to exist.
	w.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := w.Group("",
		ipLimiter.Handler(),
		middleware.APIKeyAuth(gate),
		tenantLimiter.Handler(),
		gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{streamPath})),
	)
	{
		api.GET("/config", h.GetConfig)
		api.POST("/chat", h.Chat)
		api.POST("/chat/stream", h.ChatStream)
	}
}

func registerInternalRoutes(r *gin.Engine, cfg config.Config, h *handlers.InternalHandler) {
	in := r.Group("/internal")
	if len(cfg.CORS.AllowedOrigins) > 0 {
		in.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.HeaderInternalSecret, auth.HeaderAPIKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
		in.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	}

	in.Use(middleware.InternalSecret(cfg.Processor.InternalSecret))
	{
		in.POST("/tenants", h.CreateTenant)
		in.GET("/tenants/:id", h.GetTenant)
		in.POST("/tenants/:id/regenerate-key", h.RegenerateKey)
		in.PUT("/tenants/:id/status", h.UpdateStatus)
		in.PUT("/tenants/:id/domains", h.UpdateDomains)
		in.PUT("/tenants/:id/widget-config", h.PutWidgetConfig)
		in.POST("/validate-client", h.ValidateClient)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
