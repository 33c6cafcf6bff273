// Package handlers provides HTTP handler implementations for the widget API
// and the internal operator API.
//
// This file defines the standard response utilities used across all
// endpoints: the structured error envelope, consistent JSON serialization,
// and helpers for common HTTP patterns.
//
// Conventions:
//   - All error responses return an ErrorResponse with a stable `code`.
//   - `fail()` centralizes error logging and formatting, ensuring 5xx responses
//     are logged with request context for observability.
//   - Optional envelope fields (status, details, retry_after, upgrade,
//     trace_id) are only present when they carry information.
//
// Example error response:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: 30
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "rate_limited",
//	  "message": "Too many messages. Please wait a moment.",
//	  "retry_after": 30,
//	  "upgrade": true
//	}
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chatconnect-widget/internal/http/middleware"
)

// FieldError describes one rejected request field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message (safe to show to users)
	Message string `json:"message"`

	// Tenant status for tenant_inactive.
	Status string `json:"status,omitempty"`
	// Per-field problems for validation_failed.
	Details []FieldError `json:"details,omitempty"`
	// Seconds to wait before retrying (rate_limited).
	RetryAfter int `json:"retry_after,omitempty"`
	// Set when a plan upgrade lifts the limit that was hit.
	Upgrade bool `json:"upgrade,omitempty"`
	// Processor trace id for support requests.
	TraceID string `json:"trace_id,omitempty"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	failWith(c, status, ErrorResponse{Code: code, Message: msg})
}

// failWith writes resp with the request id filled in. A positive RetryAfter
// is mirrored in the Retry-After header.
func failWith(c *gin.Context, status int, resp ErrorResponse) {
	resp.RequestID = c.Writer.Header().Get("X-Request-ID")

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", resp.Code).
			Str("message", resp.Message).
			Str("trace_id", resp.TraceID).
			Msg("api error")
	}
	if resp.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	if resp.TraceID != "" {
		c.Header("X-Trace-ID", resp.TraceID)
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail(), used by the router for 404/405.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
