// Widget HTTP handlers.
//
// This file exposes the endpoints called by the embeddable widget:
//   - GET  /config        (appearance settings)
//   - POST /chat          (single-shot reply)
//   - POST /chat/stream   (incremental reply as an event stream)
//
// Requests reach these handlers only after APIKeyAuth resolved an active
// tenant whose allow-list admits the declared origin. Handlers validate the
// body, relay the message to the AI processor and translate failures into
// the shared error taxonomy.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/http/middleware"
	"github.com/tbourn/chatconnect-widget/internal/relay"
	"github.com/tbourn/chatconnect-widget/internal/streamcodec"
)

// MaxMessageRunes bounds a chat message after NFC normalization.
const MaxMessageRunes = 2000

const (
	maxUserAgentLen = 512
	maxPageURLLen   = 2048
)

//
// Service contracts (context-aware)
//

// WidgetConfigService reads a tenant's widget appearance.
type WidgetConfigService interface {
	Get(ctx context.Context, tenantID string) (*domain.WidgetConfig, error)
}

// Relay forwards chat turns to the AI processor.
type Relay interface {
	SendOnce(ctx context.Context, req relay.Request) (*relay.Reply, error)
	StreamResponse(ctx context.Context, req relay.Request) (*relay.Stream, error)
}

//
// Handler wiring
//

// WidgetHandler groups the widget endpoints.
type WidgetHandler struct {
	configs WidgetConfigService
	relay   Relay
}

// NewWidgetHandler constructs a WidgetHandler bound to the given services.
func NewWidgetHandler(configs WidgetConfigService, r Relay) *WidgetHandler {
	return &WidgetHandler{configs: configs, relay: r}
}

//
// DTOs
//

// ChatRequest is the JSON payload of both chat endpoints.
type ChatRequest struct {
	Message   string               `json:"message"   binding:"required"`
	SessionID string               `json:"sessionId" binding:"required,uuid"`
	Metadata  *domain.ChatMetadata `json:"metadata"`
}

// ChatResponse is the single-shot reply.
type ChatResponse struct {
	Response  string          `json:"response"`
	SessionID string          `json:"sessionId"`
	Sources   []domain.Source `json:"sources"`
	TraceID   string          `json:"traceId,omitempty"`
}

func init() {
	// Report JSON field names in validation details.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

//
// Handlers
//

// GetConfig returns the tenant's widget appearance, or the defaults when the
// tenant never customized it.
func (h *WidgetHandler) GetConfig(c *gin.Context) {
	t, found := middleware.CurrentTenant(c)
	if !found {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "tenant missing from context")
		return
	}
	wc, err := h.configs.Get(c.Request.Context(), t.ID)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("load widget config")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load widget config")
		return
	}
	ok(c, http.StatusOK, wc)
}

// Chat relays one message and returns the complete reply.
func (h *WidgetHandler) Chat(c *gin.Context) {
	t, req, valid := h.prepare(c)
	if !valid {
		return
	}
	lg := middleware.LoggerFrom(c)

	rep, err := h.relay.SendOnce(c.Request.Context(), req)
	if err != nil {
		h.relayFailure(c, t, err)
		return
	}
	lg.Debug().Str("stage", "responded").Str("trace_id", rep.TraceID).Msg("chat relayed")

	sources := rep.Sources
	if sources == nil {
		sources = []domain.Source{}
	}
	if rep.TraceID != "" {
		c.Header("X-Trace-ID", rep.TraceID)
	}
	ok(c, http.StatusOK, ChatResponse{
		Response:  rep.Response,
		SessionID: req.SessionID,
		Sources:   sources,
		TraceID:   rep.TraceID,
	})
}

// ChatStream relays one message and forwards the reply as it is produced.
// Failures before the stream opens are ordinary JSON errors; after the first
// byte they are sent as an in-band error event that ends the stream.
func (h *WidgetHandler) ChatStream(c *gin.Context) {
	t, req, valid := h.prepare(c)
	if !valid {
		return
	}
	lg := middleware.LoggerFrom(c)

	st, err := h.relay.StreamResponse(c.Request.Context(), req)
	if err != nil {
		h.relayFailure(c, t, err)
		return
	}
	defer st.Close()

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache, no-transform")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// Streams are bounded by the relay idle timeout, not the server WriteTimeout.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		lg.Debug().Err(err).Msg("write deadline kept")
	}

	enc := streamcodec.NewEncoder(c.Writer)
	enc.Flush()
	lg.Debug().Str("stage", "streaming").Msg("stream opened")

	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			lg.Debug().Err(err).Str("stage", "failed").Msg("client went away")
			return
		}
		if ev.Kind == streamcodec.KindError && ev.Err.Code == relay.RateLimited.Code() && t.Tier == domain.TierFree {
			ev.Err.Upgrade = true
		}
		if err := enc.Encode(ev); err != nil {
			lg.Debug().Err(err).Str("stage", "failed").Msg("stream write failed")
			return
		}
		if ev.Terminal() {
			logStreamEnd(lg, ev, st.TraceID())
			return
		}
	}
}

func logStreamEnd(lg *zerolog.Logger, ev streamcodec.Event, traceID string) {
	if ev.Kind == streamcodec.KindDone {
		lg.Debug().Str("stage", "completed").Str("trace_id", traceID).Msg("stream completed")
		return
	}
	lg.Warn().Str("stage", "failed").Str("code", ev.Err.Code).Str("trace_id", ev.Err.TraceID).Msg("stream ended with error")
}

// prepare validates the chat body. On failure the response is written and
// valid is false.
func (h *WidgetHandler) prepare(c *gin.Context) (*domain.Tenant, relay.Request, bool) {
	lg := middleware.LoggerFrom(c)
	lg.Debug().Str("stage", "received").Msg("chat request received")

	t, found := middleware.CurrentTenant(c)
	if !found {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "tenant missing from context")
		return nil, relay.Request{}, false
	}

	var body ChatRequest
	if !bindJSON(c, &body) {
		return nil, relay.Request{}, false
	}

	msg, details := normalizeMessage(body.Message)
	details = append(details, metadataErrors(body.Metadata)...)
	if len(details) > 0 {
		failValidation(c, details)
		return nil, relay.Request{}, false
	}
	lg.Debug().Str("stage", "validated").Int("message_runes", utf8.RuneCountInString(msg)).Msg("chat request validated")

	return t, relay.Request{
		TenantID:  t.ID,
		Message:   msg,
		SessionID: body.SessionID,
		Metadata:  body.Metadata,
		RequestID: middleware.RequestIDFrom(c),
	}, true
}

// normalizeMessage returns the NFC form of msg without surrounding
// whitespace, or the reason it is unacceptable.
func normalizeMessage(msg string) (string, []FieldError) {
	msg = strings.TrimSpace(norm.NFC.String(msg))
	switch {
	case msg == "":
		return "", []FieldError{{Field: "message", Reason: "required"}}
	case utf8.RuneCountInString(msg) > MaxMessageRunes:
		return "", []FieldError{{Field: "message", Reason: "max"}}
	}
	return msg, nil
}

func metadataErrors(md *domain.ChatMetadata) []FieldError {
	if md == nil {
		return nil
	}
	var out []FieldError
	if len(md.UserAgent) > maxUserAgentLen {
		out = append(out, FieldError{Field: "metadata.userAgent", Reason: "max"})
	}
	if len(md.PageURL) > maxPageURLLen {
		out = append(out, FieldError{Field: "metadata.pageUrl", Reason: "max"})
	}
	return out
}

// bindJSON decodes and validates the body. On failure a validation_failed
// response is written.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		failValidation(c, fieldErrors(ve))
		return false
	}
	fail(c, http.StatusBadRequest, ErrCodeValidation, "invalid JSON body")
	return false
}

func fieldErrors(ve validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, FieldError{Field: fe.Field(), Reason: fe.Tag()})
	}
	return out
}

func failValidation(c *gin.Context, details []FieldError) {
	failWith(c, http.StatusBadRequest, ErrorResponse{
		Code:    ErrCodeValidation,
		Message: "request validation failed",
		Details: details,
	})
}

// relayFailure writes the envelope for a relay error. A caller that went
// away gets nothing.
func (h *WidgetHandler) relayFailure(c *gin.Context, t *domain.Tenant, err error) {
	lg := middleware.LoggerFrom(c)
	if errors.Is(err, context.Canceled) {
		lg.Debug().Str("stage", "failed").Msg("client canceled before reply")
		c.Abort()
		return
	}

	kind := relay.KindOf(err)
	resp := ErrorResponse{Code: kind.Code(), Message: kind.Message()}
	var re *relay.Error
	if errors.As(err, &re) {
		resp.TraceID = re.TraceID
		if kind == relay.RateLimited {
			resp.RetryAfter = re.RetryAfter
		}
	}
	if kind == relay.RateLimited && t.Tier == domain.TierFree {
		resp.Upgrade = true
	}

	lg.Warn().Err(err).Str("stage", "failed").Str("code", resp.Code).Msg("relay failed")
	failWith(c, kind.HTTPStatus(), resp)
}
