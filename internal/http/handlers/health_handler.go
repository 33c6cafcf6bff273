package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ProcessorProbe reports whether the AI processor answers its health check.
type ProcessorProbe interface {
	Available(ctx context.Context) bool
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Timestamp float64         `json:"timestamp"`
	Version   string          `json:"version"`
	Services  map[string]bool `json:"services"`
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	probe   ProcessorProbe
	version string
	timeout time.Duration
	now     func() time.Time
}

// NewHealthHandler builds a HealthHandler. The probe is bounded by timeout.
func NewHealthHandler(probe ProcessorProbe, version string, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{probe: probe, version: version, timeout: timeout, now: time.Now}
}

// Health always answers 200. The status is "degraded" when the processor is
// unreachable; the relay itself is up whenever this handler runs.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	processor := h.probe.Available(ctx)
	status := "healthy"
	if !processor {
		status = "degraded"
	}
	ok(c, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: float64(h.now().UnixMilli()) / 1000,
		Version:   h.version,
		Services:  map[string]bool{"relay": true, "processor": processor},
	})
}
