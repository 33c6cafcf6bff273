package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/chatconnect-widget/internal/streamcodec"
)

// ErrDropped is the cause recorded when the processor stream ends without a
// terminal event.
var ErrDropped = errors.New("processor stream ended unexpectedly")

// Stream is one relayed event stream. It yields events until a done or
// error event, after which Recv returns io.EOF. It is consumed once and is
// not safe for concurrent Recv calls.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	start  time.Time

	idle    time.Duration
	timer   *time.Timer
	idleHit atomic.Bool

	body   io.ReadCloser
	reader *streamcodec.Reader

	done      bool
	finalErr  error
	closeOnce sync.Once
}

func newStream(parent context.Context, span trace.Span, idle time.Duration) *Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{ctx: ctx, cancel: cancel, span: span, start: time.Now(), idle: idle}
	s.timer = time.AfterFunc(idle, s.onIdle)
	relayStreams.Inc()
	return s
}

func (s *Stream) onIdle() {
	s.idleHit.Store(true)
	s.cancel()
}

func (s *Stream) attach(body io.ReadCloser) {
	s.body = body
	s.reader = streamcodec.NewReader(&activityReader{r: body, touch: s.touch})
	s.timer.Reset(s.idle)
}

func (s *Stream) touch() {
	if !s.idleHit.Load() {
		s.timer.Reset(s.idle)
	}
}

// TraceID returns the processor trace id announced at stream start.
func (s *Stream) TraceID() string {
	if s.reader == nil {
		return ""
	}
	return s.reader.TraceID()
}

// Recv returns the next event. A processor error, an idle timeout or a
// dropped connection each produce exactly one error event. When the
// downstream context is cancelled Recv returns context.Canceled and no
// further events.
func (s *Stream) Recv() (streamcodec.Event, error) {
	if s.done {
		return streamcodec.Event{}, io.EOF
	}

	ev, err := s.reader.Next()
	if err == nil {
		switch ev.Kind {
		case streamcodec.KindDone:
			s.finish(nil)
		case streamcodec.KindError:
			re := s.upstreamError(ev.Err)
			ev = s.errorEvent(re, ev.Err.Upgrade)
			s.finish(re)
		}
		return ev, nil
	}

	var re *Error
	switch {
	case s.idleHit.Load():
		re = &Error{Kind: Timeout, Err: errors.New("processor stream idle")}
	case errors.Is(s.ctx.Err(), context.Canceled):
		s.finish(context.Canceled)
		return streamcodec.Event{}, context.Canceled
	case errors.Is(err, io.EOF):
		re = &Error{Kind: ServiceUnavailable, Err: ErrDropped}
	default:
		re = &Error{Kind: ServiceUnavailable, Err: err}
	}
	ev = s.errorEvent(re, false)
	s.finish(re)
	return ev, nil
}

// Close releases the upstream connection. It is safe to call more than
// once and after the stream finished on its own.
func (s *Stream) Close() error {
	if !s.done {
		s.done = true
		s.finalErr = context.Canceled
	}
	var err error
	s.closeOnce.Do(func() {
		s.timer.Stop()
		s.cancel()
		if s.body != nil {
			err = s.body.Close()
		}
		relayStreams.Dec()
		observe(transportStream, s.start, s.finalErr)
		if s.finalErr != nil && !errors.Is(s.finalErr, context.Canceled) {
			s.span.RecordError(s.finalErr)
			s.span.SetStatus(codes.Error, KindOf(s.finalErr).Code())
		}
		if id := s.TraceID(); id != "" {
			s.span.SetAttributes(attribute.String("processor.trace_id", id))
		}
		s.span.End()
	})
	return err
}

func (s *Stream) finish(err error) {
	s.done = true
	s.finalErr = err
	_ = s.Close()
}

func (s *Stream) upstreamError(p *streamcodec.ErrorPayload) *Error {
	re := &Error{Kind: ProcessingError, Err: errors.New("processor error event")}
	if p == nil {
		return re
	}
	re.Kind = kindFromCode(p.Code)
	re.TraceID = p.TraceID
	re.RetryAfter = p.RetryAfter
	if re.Kind == RateLimited && re.RetryAfter <= 0 {
		re.RetryAfter = defaultRetryAfter
	}
	return re
}

// errorEvent renders re as a client-safe in-band error.
func (s *Stream) errorEvent(re *Error, upgrade bool) streamcodec.Event {
	traceID := re.TraceID
	if traceID == "" {
		traceID = s.TraceID()
	}
	return streamcodec.ErrorEvent(streamcodec.ErrorPayload{
		Code:       re.Kind.Code(),
		Message:    re.Kind.Message(),
		TraceID:    traceID,
		RetryAfter: re.RetryAfter,
		Upgrade:    upgrade,
	})
}

// activityReader calls touch whenever bytes arrive.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}
