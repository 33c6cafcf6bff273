package widgetclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tbourn/chatconnect-widget/internal/utils"
)

var (
	// ErrSuperseded is the cancellation cause of a send replaced by a newer one.
	ErrSuperseded = errors.New("widgetclient: superseded by a newer message")
	// ErrEmptyMessage rejects blank input before any request is made.
	ErrEmptyMessage = errors.New("widgetclient: message is empty")
	// ErrMessageTooLong rejects input over MaxMessageRunes.
	ErrMessageTooLong = errors.New("widgetclient: message too long")
)

// Failure codes produced by the client itself; the rest come from the server.
const (
	CodeNetwork   = "network_error"
	CodeBadStream = "stream_ended"
)

// Failure describes a send that ended without a reply.
type Failure struct {
	Code       string
	Message    string
	HTTPStatus int
	RetryAfter int
	Upgrade    bool
	TraceID    string
	Err        error
}

func (f *Failure) Error() string {
	if f.HTTPStatus != 0 {
		return fmt.Sprintf("widgetclient: %s (%d): %s", f.Code, f.HTTPStatus, f.Message)
	}
	return fmt.Sprintf("widgetclient: %s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// wireError is the server's error envelope and the in-band error payload.
type wireError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
	Upgrade    bool   `json:"upgrade"`
	TraceID    string `json:"trace_id"`
}

// responseFailure builds a Failure from a non-2xx response.
func responseFailure(status int, h http.Header, body []byte) *Failure {
	var we wireError
	_ = json.Unmarshal(body, &we)
	f := &Failure{
		Code:       we.Code,
		Message:    we.Message,
		HTTPStatus: status,
		RetryAfter: we.RetryAfter,
		Upgrade:    we.Upgrade,
		TraceID:    we.TraceID,
	}
	if f.Code == "" {
		f.Code = "http_" + strconv.Itoa(status)
	}
	if f.RetryAfter == 0 {
		f.RetryAfter = utils.RetryAfterSeconds(h.Get("Retry-After"), time.Now(), 0)
	}
	return f
}

func networkFailure(err error) *Failure {
	return &Failure{Code: CodeNetwork, Message: "request failed", Err: err}
}

// UserMessage returns the short, non-technical text shown in place of the
// reply. Server details never reach the page.
func UserMessage(err error) string {
	var f *Failure
	if !errors.As(err, &f) {
		return "Sorry, something went wrong. Please try again."
	}
	switch f.Code {
	case "rate_limited":
		msg := "You're sending messages too quickly."
		if f.RetryAfter > 0 {
			msg += fmt.Sprintf(" Please wait %d seconds and try again.", f.RetryAfter)
		} else {
			msg += " Please wait a moment and try again."
		}
		if f.Upgrade {
			msg += " Upgrade your plan for higher limits."
		}
		return msg
	case "quota_exceeded":
		return "This assistant has reached its usage limit. Please try again later."
	case "timeout":
		return "The assistant took too long to respond. Please try again."
	case "service_unavailable", CodeBadStream:
		return "The assistant is temporarily unavailable. Please try again shortly."
	case "unauthorized", "tenant_inactive", "domain_not_allowed":
		return "Chat is currently unavailable on this site."
	case "validation_failed":
		return "That message could not be sent. Please shorten it and try again."
	case CodeNetwork:
		return "Connection problem. Please check your network and try again."
	}
	return "Sorry, something went wrong. Please try again."
}
