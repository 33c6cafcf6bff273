package streamcodec

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// Decoder turns an SSE byte stream into events incrementally. It buffers
// partial lines across Feed calls, so the events produced do not depend on
// how the stream is split. The zero value is ready to use.
//
// A frame's kind comes only from what its data parses as: [DONE] is done,
// a JSON array of sources is sources, a JSON object with code or message is
// an error, an object with token counts is usage, and anything else is
// chunk text. The declared event type is ignored except for start frames,
// whose data is recorded as the upstream trace id.
type Decoder struct {
	line    []byte
	skipLF  bool
	evType  string
	data    []string
	hasData bool
	traceID string
}

// TraceID returns the upstream trace id announced by a start frame.
func (d *Decoder) TraceID() string { return d.traceID }

// Feed consumes p and returns the events completed by it.
func (d *Decoder) Feed(p []byte) []Event {
	var out []Event
	for len(p) > 0 {
		if d.skipLF {
			d.skipLF = false
			if p[0] == '\n' {
				p = p[1:]
				continue
			}
		}
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			d.line = append(d.line, p...)
			break
		}
		line := string(append(d.line, p[:i]...))
		d.line = d.line[:0]
		if p[i] == '\r' {
			if i+1 < len(p) {
				if p[i+1] == '\n' {
					i++
				}
			} else {
				d.skipLF = true
			}
		}
		p = p[i+1:]
		if ev, ok := d.processLine(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Close flushes an unterminated trailing line and frame.
func (d *Decoder) Close() []Event {
	var out []Event
	if len(d.line) > 0 {
		line := string(d.line)
		d.line = d.line[:0]
		if ev, ok := d.processLine(line); ok {
			out = append(out, ev)
		}
	}
	if ev, ok := d.dispatch(); ok {
		out = append(out, ev)
	}
	return out
}

func (d *Decoder) processLine(line string) (Event, bool) {
	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		d.evType = strings.TrimSpace(value)
	case "data":
		d.data = append(d.data, value)
		d.hasData = true
	}
	return Event{}, false
}

func (d *Decoder) dispatch() (Event, bool) {
	typ, hasData := d.evType, d.hasData
	data := strings.Join(d.data, "\n")
	d.evType, d.data, d.hasData = "", d.data[:0], false

	if !hasData {
		return Event{}, false
	}
	if typ == "start" {
		d.traceID = parseTraceID(strings.TrimSpace(data))
		return Event{}, false
	}
	return classify(data), true
}

func classify(data string) Event {
	trimmed := strings.TrimSpace(data)

	if trimmed == DoneSentinel {
		return Done()
	}
	if src, ok := parseSources(trimmed); ok {
		return SourcesEvent(src)
	}
	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
			if hasAny(fields, "code", "message") {
				return decodeError(trimmed)
			}
			if hasAny(fields, "prompt_tokens", "completion_tokens", "total_tokens") {
				var u domain.Usage
				if err := json.Unmarshal([]byte(trimmed), &u); err == nil {
					return UsageEvent(u)
				}
			}
		}
	}
	return Chunk(data)
}

func parseSources(s string) ([]domain.Source, bool) {
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var src []domain.Source
	if err := json.Unmarshal([]byte(s), &src); err != nil {
		return nil, false
	}
	if src == nil {
		src = []domain.Source{}
	}
	return src, true
}

func decodeError(s string) Event {
	var p ErrorPayload
	_ = json.Unmarshal([]byte(s), &p)
	return ErrorEvent(p)
}

func parseTraceID(s string) string {
	if strings.HasPrefix(s, "{") {
		var v struct {
			TraceID string `json:"trace_id"`
		}
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v.TraceID
		}
	}
	return s
}

func hasAny(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// Reader pulls events from an io.Reader one read at a time.
type Reader struct {
	src     io.Reader
	dec     Decoder
	buf     []byte
	pending []Event
	err     error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: r, buf: make([]byte, 4096)}
}

// Next returns the next event. At the end of input it returns io.EOF, or
// the read error that ended the stream.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Event{}, r.err
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			r.pending = append(r.pending, r.dec.Close()...)
			r.err = err
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

// TraceID returns the upstream trace id seen so far.
func (r *Reader) TraceID() string { return r.dec.TraceID() }
