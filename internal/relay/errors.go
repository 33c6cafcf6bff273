// Package relay forwards widget chat turns to the AI processor, either as a
// single request/response exchange or as a live event stream, and maps every
// processor failure onto a small fixed taxonomy.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/chatconnect-widget/internal/utils"
)

// Kind classifies relay failures. Each kind has one HTTP status, used by
// both the single-shot and the streaming transports.
type Kind int

const (
	InvalidCredential Kind = iota + 1
	RateLimited
	QuotaExceeded
	Timeout
	ServiceUnavailable
	ProcessingError
)

// defaultRetryAfter is used when the processor rate-limits without a
// Retry-After hint.
const defaultRetryAfter = 60

// HTTPStatus returns the response status for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidCredential:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case QuotaExceeded:
		return http.StatusPaymentRequired
	case Timeout:
		return http.StatusGatewayTimeout
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Code returns the machine-readable error code for k.
func (k Kind) Code() string {
	switch k {
	case InvalidCredential:
		return "invalid_credential"
	case RateLimited:
		return "rate_limited"
	case QuotaExceeded:
		return "quota_exceeded"
	case Timeout:
		return "timeout"
	case ServiceUnavailable:
		return "service_unavailable"
	}
	return "processing_error"
}

func (k Kind) String() string { return k.Code() }

// Message returns the client-facing message for k. It never includes
// upstream details.
func (k Kind) Message() string {
	switch k {
	case InvalidCredential:
		return "the assistant rejected this widget's credentials"
	case RateLimited:
		return "too many requests, please wait before retrying"
	case QuotaExceeded:
		return "message quota exceeded"
	case Timeout:
		return "the assistant took too long to respond"
	case ServiceUnavailable:
		return "the assistant is temporarily unavailable"
	}
	return "failed to process the message"
}

// Error is a classified relay failure. Err keeps the underlying cause for
// logs and is never shown to clients.
type Error struct {
	Kind       Kind
	TraceID    string
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "relay: " + e.Kind.Code() + ": " + e.Err.Error()
	}
	return "relay: " + e.Kind.Code()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, or ProcessingError for any other
// non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ProcessingError
}

// kindFromStatus maps a processor HTTP status onto the taxonomy.
func kindFromStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return InvalidCredential
	case http.StatusPaymentRequired:
		return QuotaExceeded
	case http.StatusTooManyRequests:
		return RateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Timeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ServiceUnavailable
	}
	return ProcessingError
}

// kindFromCode maps an in-band error code sent by the processor.
func kindFromCode(code string) Kind {
	switch strings.ToLower(code) {
	case "invalid_credential", "unauthorized", "invalid_api_key":
		return InvalidCredential
	case "rate_limited", "rate_limit_exceeded":
		return RateLimited
	case "quota_exceeded":
		return QuotaExceeded
	case "timeout":
		return Timeout
	case "service_unavailable":
		return ServiceUnavailable
	}
	return ProcessingError
}

// statusError classifies a non-2xx processor response.
func statusError(status int, h http.Header, body []byte) *Error {
	e := &Error{Kind: kindFromStatus(status), Err: errors.New(http.StatusText(status))}
	switch e.Kind {
	case RateLimited:
		e.RetryAfter = utils.RetryAfterSeconds(h.Get("Retry-After"), time.Now(), defaultRetryAfter)
	case ProcessingError:
		e.TraceID = traceIDFrom(h, body)
	}
	return e
}

// transportError classifies a failure to complete the exchange. A request
// whose context expired is a Timeout; everything else means the processor
// could not be reached.
func transportError(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Err: err}
	}
	return &Error{Kind: ServiceUnavailable, Err: err}
}

func traceIDFrom(h http.Header, body []byte) string {
	var v struct {
		TraceID string `json:"trace_id"`
	}
	if len(body) > 0 && json.Unmarshal(body, &v) == nil && v.TraceID != "" {
		return v.TraceID
	}
	return h.Get("X-Trace-ID")
}
