package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// Processor paths.
const (
	chatPath   = "/api/widget/chat"
	streamPath = "/api/widget/chat/stream"
	healthPath = "/health"
)

// maxErrorBody caps how much of a failed processor response is read.
const maxErrorBody = 64 << 10

// Request is one chat turn to relay.
type Request struct {
	TenantID  string
	Message   string
	SessionID string
	Metadata  *domain.ChatMetadata
	RequestID string
}

// Reply is the processor's answer to a single-shot request.
type Reply struct {
	Response  string          `json:"response"`
	SessionID string          `json:"session_id"`
	Sources   []domain.Source `json:"sources"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// Processor is the narrow contract the relay needs from the AI backend.
// StreamResponse returns the raw event-stream body; the caller closes it.
type Processor interface {
	SendOnce(ctx context.Context, req Request) (*Reply, error)
	StreamResponse(ctx context.Context, req Request) (io.ReadCloser, error)
	IsAvailable(ctx context.Context) bool
}

// processorPayload is what goes over the wire. Tenant secrets and
// allow-lists never leave this process.
type processorPayload struct {
	ClientID  string               `json:"client_id"`
	Message   string               `json:"message"`
	SessionID string               `json:"session_id"`
	Metadata  *domain.ChatMetadata `json:"metadata,omitempty"`
}

func payloadOf(req Request) processorPayload {
	return processorPayload{
		ClientID:  req.TenantID,
		Message:   req.Message,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	}
}

// HTTPProcessor talks to the processor over HTTP. Timeouts come from the
// request context so the same client serves long-lived streams.
type HTTPProcessor struct {
	client *resty.Client
}

var _ Processor = (*HTTPProcessor)(nil)

// NewHTTPProcessor creates a resty-backed processor client. secret is sent
// as X-Internal-Secret on every call when non-empty.
func NewHTTPProcessor(baseURL, secret string, log zerolog.Logger) *HTTPProcessor {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetLogger(restyLogger{log}).
		SetRetryCount(0)
	if secret != "" {
		c.SetHeader("X-Internal-Secret", secret)
	}
	return &HTTPProcessor{client: c}
}

// SendOnce posts the turn and decodes the complete reply.
func (p *HTTPProcessor) SendOnce(ctx context.Context, req Request) (*Reply, error) {
	var reply Reply
	resp, err := p.request(ctx, req).
		SetBody(payloadOf(req)).
		SetResult(&reply).
		Post(chatPath)
	if err != nil {
		if resp != nil && resp.RawResponse != nil && ctx.Err() == nil {
			// The processor answered but the body was unusable.
			return nil, &Error{Kind: ProcessingError, TraceID: resp.Header().Get("X-Trace-ID"), Err: err}
		}
		return nil, transportError(ctx, err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), resp.Header(), resp.Body())
	}
	if reply.Sources == nil {
		reply.Sources = []domain.Source{}
	}
	if reply.TraceID == "" {
		reply.TraceID = resp.Header().Get("X-Trace-ID")
	}
	return &reply, nil
}

// StreamResponse opens the processor's event stream. On success the caller
// owns the returned body.
func (p *HTTPProcessor) StreamResponse(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, err := p.request(ctx, req).
		SetHeader("Accept", "text/event-stream").
		SetBody(payloadOf(req)).
		SetDoNotParseResponse(true).
		Post(streamPath)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	body := resp.RawBody()
	if resp.StatusCode() >= http.StatusBadRequest {
		defer body.Close()
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return nil, statusError(resp.StatusCode(), resp.Header(), raw)
	}
	if body == nil {
		return nil, &Error{Kind: ServiceUnavailable, Err: fmt.Errorf("empty stream body")}
	}
	return body, nil
}

// IsAvailable reports whether the processor health endpoint answers 2xx.
func (p *HTTPProcessor) IsAvailable(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get(healthPath)
	return err == nil && resp.IsSuccess()
}

func (p *HTTPProcessor) request(ctx context.Context, req Request) *resty.Request {
	r := p.client.R().SetContext(ctx)
	if req.RequestID != "" {
		r.SetHeader("X-Request-ID", req.RequestID)
	}
	return r
}

// restyLogger routes resty's own diagnostics through zerolog.
type restyLogger struct{ l zerolog.Logger }

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error().Msgf(format, v...) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn().Msgf(format, v...) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug().Msgf(format, v...) }
