// Package streamcodec implements the server-sent-events framing used between
// the AI processor, the relay and the embedded widget.
//
// A frame is an optional "event:" line, one or more "data:" lines and a
// blank line. Chunk payloads are raw text; sources, usage and error
// payloads are JSON; the terminal frame carries "[DONE]".
package streamcodec

import "github.com/tbourn/chatconnect-widget/internal/domain"

// Kind tags a stream event.
type Kind string

const (
	KindChunk   Kind = "chunk"
	KindSources Kind = "sources"
	KindUsage   Kind = "usage"
	KindError   Kind = "error"
	KindDone    Kind = "done"
)

// DoneSentinel is the data payload of the terminal frame.
const DoneSentinel = "[DONE]"

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Upgrade    bool   `json:"upgrade,omitempty"`
}

// Event is one decoded stream frame. Only the field matching Kind is set.
type Event struct {
	Kind    Kind
	Text    string
	Sources []domain.Source
	Usage   *domain.Usage
	Err     *ErrorPayload
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool { return e.Kind == KindDone || e.Kind == KindError }

func Chunk(text string) Event { return Event{Kind: KindChunk, Text: text} }

func SourcesEvent(src []domain.Source) Event { return Event{Kind: KindSources, Sources: src} }

func UsageEvent(u domain.Usage) Event { return Event{Kind: KindUsage, Usage: &u} }

func ErrorEvent(p ErrorPayload) Event { return Event{Kind: KindError, Err: &p} }

func Done() Event { return Event{Kind: KindDone} }
