package streamcodec

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// Encoder writes events as SSE frames. When the underlying writer is an
// http.Flusher every frame is flushed as soon as it is written.
type Encoder struct {
	w io.Writer
	f http.Flusher
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, f: f}
}

// Encode writes ev as one frame.
func (e *Encoder) Encode(ev Event) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(string(ev.Kind))
	b.WriteByte('\n')

	switch ev.Kind {
	case KindChunk:
		writeData(&b, ev.Text)
	case KindDone:
		writeData(&b, DoneSentinel)
	case KindSources:
		src := ev.Sources
		if src == nil {
			src = []domain.Source{}
		}
		if err := writeJSON(&b, src); err != nil {
			return err
		}
	case KindUsage:
		var u domain.Usage
		if ev.Usage != nil {
			u = *ev.Usage
		}
		if err := writeJSON(&b, u); err != nil {
			return err
		}
	case KindError:
		var p ErrorPayload
		if ev.Err != nil {
			p = *ev.Err
		}
		if err := writeJSON(&b, p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("streamcodec: unknown event kind %q", ev.Kind)
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return err
	}
	e.Flush()
	return nil
}

// Comment writes an SSE comment line, ignored by decoders. Used as a
// keep-alive.
func (e *Encoder) Comment(text string) error {
	if _, err := io.WriteString(e.w, ": "+strings.ReplaceAll(text, "\n", " ")+"\n\n"); err != nil {
		return err
	}
	e.Flush()
	return nil
}

// Flush pushes buffered bytes to the client when possible.
func (e *Encoder) Flush() {
	if e.f != nil {
		e.f.Flush()
	}
}

// writeData emits one "data:" line per line of text.
func writeData(b *strings.Builder, text string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func writeJSON(b *strings.Builder, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeData(b, string(raw))
	return nil
}
