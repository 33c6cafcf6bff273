package relay

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default bounds applied when Options leaves them zero.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultIdleTimeout = 60 * time.Second
)

var tracer = otel.Tracer("relay")

// Options bounds relay calls.
type Options struct {
	// Timeout caps a single-shot exchange.
	Timeout time.Duration
	// IdleTimeout closes a stream when the processor sends nothing for this
	// long, including while waiting for the response headers.
	IdleTimeout time.Duration
}

// Service relays chat turns to a Processor. It keeps no per-tenant state.
type Service struct {
	proc Processor
	opts Options
}

// NewService returns a Service over proc.
func NewService(proc Processor, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Service{proc: proc, opts: opts}
}

// SendOnce relays one turn and waits for the complete reply. Failures are
// *Error values, except a cancelled ctx which is returned as is.
func (s *Service) SendOnce(ctx context.Context, req Request) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "relay.SendOnce", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("session.id", req.SessionID),
	))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	reply, err := s.proc.SendOnce(ctx, req)
	if err != nil {
		err = normalize(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).Code())
		observe(transportOnce, start, err)
		return nil, err
	}
	if reply.TraceID != "" {
		span.SetAttributes(attribute.String("processor.trace_id", reply.TraceID))
	}
	observe(transportOnce, start, nil)
	return reply, nil
}

// StreamResponse opens a live stream for one turn. Cancelling ctx aborts
// the upstream request. The returned Stream must be closed.
func (s *Service) StreamResponse(ctx context.Context, req Request) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "relay.StreamResponse", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("session.id", req.SessionID),
	))

	st := newStream(ctx, span, s.opts.IdleTimeout)
	body, err := s.proc.StreamResponse(st.ctx, req)
	if err != nil {
		if st.idleHit.Load() {
			err = &Error{Kind: Timeout, Err: err}
		} else {
			err = normalize(st.ctx, err)
		}
		st.finish(err)
		return nil, err
	}
	st.attach(body)
	return st, nil
}

// Available reports whether the processor answers its health check.
func (s *Service) Available(ctx context.Context) bool {
	return s.proc.IsAvailable(ctx)
}

// normalize turns any processor error into an *Error, keeping a
// caller-side cancellation recognisable.
func normalize(ctx context.Context, err error) error {
	var re *Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	case errors.As(err, &re):
		return re
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Timeout, Err: err}
	}
	return &Error{Kind: ProcessingError, Err: err}
}
