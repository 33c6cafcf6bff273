// Package widgetclient is the embeddable chat client. It keeps the session
// id and a bounded message history in a local Store, talks to the widget
// API over the single-shot and streaming transports and drives a Renderer.
//
// A Client allows one send at a time: starting a new send cancels the one
// in flight and waits for it to tear down, so replies never interleave and
// exactly one assistant message is finalized per completed send.
package widgetclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/streamcodec"
)

// Storage keys.
const (
	SessionKey = "chatconnect_session_id"
	HistoryKey = "chatconnect_history"
)

const (
	// MaxHistory bounds the persisted history to the most recent entries.
	MaxHistory = 50
	// MaxMessageRunes mirrors the server's message limit.
	MaxMessageRunes = 2000

	DefaultBannerTimeout = 5 * time.Second
	DefaultSendTimeout   = 30 * time.Second
)

// Widget API paths, relative to Options.BaseURL.
const (
	configPath = "/config"
	chatPath   = "/chat"
	streamPath = "/chat/stream"

	headerAPIKey = "x-api-key"
	maxErrorBody = 16 << 10
)

// State is the send/receive state of a Client.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateResponded
	StateFinalized
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateResponded:
		return "responded"
	case StateFinalized:
		return "finalized"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Options configures a Client. BaseURL and APIKey are required.
type Options struct {
	// BaseURL is the widget API root, e.g. "https://api.example.com/api/widget".
	BaseURL string

	// APIKey is the tenant's public key.
	APIKey string

	Store    Store
	Renderer Renderer

	// Metadata is attached to every chat turn.
	Metadata *domain.ChatMetadata

	// BannerTimeout is how long an error banner stays up.
	BannerTimeout time.Duration

	// SendTimeout bounds single-shot sends and the config fetch. Streams are
	// bounded by the server.
	SendTimeout time.Duration

	// HTTPClient overrides the transport; nil uses resty's default.
	HTTPClient *http.Client

	Logger *zerolog.Logger

	// OnStateChange observes every transition. It runs synchronously.
	OnStateChange func(State)
}

type inflight struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Client is a widget session. It is safe for concurrent use.
type Client struct {
	opts Options
	rc   *resty.Client
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	history   []domain.ChatMessage
	config    domain.WidgetConfig
	inflight  *inflight

	uiMu      sync.Mutex
	banner    *time.Timer
	bannerSeq uint64
}

// New returns an uninitialized Client; call Init before sending.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("widgetclient: base URL is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("widgetclient: api key is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Renderer == nil {
		opts.Renderer = NopRenderer{}
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = DefaultBannerTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader(headerAPIKey, opts.APIKey).
		SetHeader("Content-Type", "application/json").
		SetLogger(restyLogger{lg}).
		SetRetryCount(0)

	return &Client{
		opts:   opts,
		rc:     rc,
		log:    lg,
		config: domain.DefaultWidgetConfig(""),
	}, nil
}

// Init restores the session id and history from the Store, renders the
// history and fetches the widget settings. A failed settings fetch keeps
// the defaults; only storage failures are errors.
func (c *Client) Init(ctx context.Context) (domain.WidgetConfig, error) {
	sid, err := c.loadSession()
	if err != nil {
		return c.Config(), err
	}
	hist, err := c.loadHistory()
	if err != nil {
		return c.Config(), err
	}

	c.mu.Lock()
	c.sessionID = sid
	c.history = hist
	c.mu.Unlock()

	c.uiMu.Lock()
	for _, m := range hist {
		c.opts.Renderer.RenderMessage(viewOf(m, false, false))
	}
	c.uiMu.Unlock()

	cfg := c.fetchConfig(ctx)
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return cfg, nil
}

// Send relays text over the streaming transport, rendering the reply as it
// arrives. It returns the finalized assistant message, ErrSuperseded when
// a newer send replaced this one, or a *Failure.
func (c *Client) Send(ctx context.Context, text string) (*domain.ChatMessage, error) {
	msg, err := validateMessage(text)
	if err != nil {
		return nil, err
	}
	ctx, end := c.begin(ctx)
	defer end()
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	c.recordUser(msg)
	c.setState(StateSending)

	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(c.payload(msg)).
		SetDoNotParseResponse(true).
		Post(streamPath)
	if err != nil {
		return c.fail(ctx, nil, networkFailure(err))
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return c.fail(ctx, nil, responseFailure(resp.StatusCode(), resp.Header(), raw))
	}

	reply := c.newMessage(domain.RoleAssistant, "")
	c.setState(StateStreaming)
	c.render(viewOf(reply, true, false))

	rd := streamcodec.NewReader(body)
	for {
		ev, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() == nil {
				return c.fail(ctx, &reply, &Failure{Code: CodeBadStream, Message: "stream ended before completion"})
			}
			return c.fail(ctx, &reply, networkFailure(err))
		}

		switch ev.Kind {
		case streamcodec.KindChunk:
			reply.Content += ev.Text
			c.render(viewOf(reply, true, false))
		case streamcodec.KindSources:
			reply.Sources = ev.Sources
		case streamcodec.KindUsage:
			c.log.Debug().Int("total_tokens", ev.Usage.TotalTokens).Msg("widget usage")
		case streamcodec.KindError:
			return c.fail(ctx, &reply, eventFailure(ev.Err))
		case streamcodec.KindDone:
			c.recordAssistant(reply)
			c.setState(StateFinalized)
			c.setState(StateIdle)
			return &reply, nil
		}
	}
}

// SendOnce relays text over the single-shot transport and renders the
// complete reply.
func (c *Client) SendOnce(ctx context.Context, text string) (*domain.ChatMessage, error) {
	msg, err := validateMessage(text)
	if err != nil {
		return nil, err
	}
	ctx, end := c.begin(ctx)
	defer end()
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	c.recordUser(msg)
	c.setState(StateSending)

	tctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	var out chatReply
	resp, err := c.rc.R().
		SetContext(tctx).
		SetBody(c.payload(msg)).
		SetResult(&out).
		Post(chatPath)
	switch {
	case err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return c.fail(ctx, nil, &Failure{Code: "timeout", Message: "no reply in time", Err: err})
	case err != nil:
		return c.fail(ctx, nil, networkFailure(err))
	case resp.IsError():
		return c.fail(ctx, nil, responseFailure(resp.StatusCode(), resp.Header(), resp.Body()))
	}

	reply := c.newMessage(domain.RoleAssistant, out.Response)
	reply.Sources = out.Sources
	c.recordAssistant(reply)
	c.setState(StateResponded)
	c.setState(StateIdle)
	return &reply, nil
}

// Close cancels any send in flight and stops the banner timer.
func (c *Client) Close() {
	c.mu.Lock()
	cur := c.inflight
	c.mu.Unlock()
	if cur != nil {
		cur.cancel(context.Canceled)
		<-cur.done
	}
	c.uiMu.Lock()
	if c.banner != nil {
		c.banner.Stop()
	}
	c.uiMu.Unlock()
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the persisted session id. Empty before Init.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Config returns the widget settings fetched by Init, or the defaults.
func (c *Client) Config() domain.WidgetConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// History returns a copy of the local history, oldest first.
func (c *Client) History() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ChatMessage(nil), c.history...)
}

//
// Internals
//

type chatPayload struct {
	Message   string               `json:"message"`
	SessionID string               `json:"sessionId"`
	Metadata  *domain.ChatMetadata `json:"metadata,omitempty"`
}

type chatReply struct {
	Response  string          `json:"response"`
	SessionID string          `json:"sessionId"`
	Sources   []domain.Source `json:"sources"`
	TraceID   string          `json:"traceId"`
}

func (c *Client) payload(msg string) chatPayload {
	return chatPayload{Message: msg, SessionID: c.SessionID(), Metadata: c.opts.Metadata}
}

func validateMessage(text string) (string, error) {
	msg := strings.TrimSpace(text)
	switch {
	case msg == "":
		return "", ErrEmptyMessage
	case utf8.RuneCountInString(msg) > MaxMessageRunes:
		return "", ErrMessageTooLong
	}
	return msg, nil
}

// begin registers a new in-flight send, cancels the previous one with
// ErrSuperseded and waits for it to finish. The returned func must be
// called when the send is over.
func (c *Client) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	cur := &inflight{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.inflight
	c.inflight = cur
	c.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrSuperseded)
		<-prev.done
	}
	return ctx, func() {
		c.mu.Lock()
		if c.inflight == cur {
			c.inflight = nil
		}
		c.mu.Unlock()
		cancel(nil)
		close(cur.done)
	}
}

// fail ends a send. A superseded send drops its partial reply; anything
// else finalizes the reply with a user-facing text and raises the banner.
func (c *Client) fail(ctx context.Context, reply *domain.ChatMessage, err error) (*domain.ChatMessage, error) {
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		if reply != nil {
			c.uiMu.Lock()
			c.opts.Renderer.RemoveMessage(reply.ID)
			c.uiMu.Unlock()
		}
		return nil, ErrSuperseded
	}

	var m domain.ChatMessage
	if reply != nil {
		m = *reply
	} else {
		m = c.newMessage(domain.RoleAssistant, "")
	}
	text := UserMessage(err)
	m.Content, m.Sources = text, nil
	c.render(viewOf(m, false, true))
	c.showBanner(text)

	c.log.Warn().Err(err).Str("session_id", c.SessionID()).Msg("widget send failed")
	c.setState(StateError)
	c.setState(StateIdle)
	return nil, err
}

func eventFailure(p *streamcodec.ErrorPayload) *Failure {
	if p == nil {
		return &Failure{Code: CodeBadStream, Message: "empty error event"}
	}
	return &Failure{
		Code:       p.Code,
		Message:    p.Message,
		RetryAfter: p.RetryAfter,
		Upgrade:    p.Upgrade,
		TraceID:    p.TraceID,
	}
}

func (c *Client) newMessage(role, content string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func (c *Client) recordUser(msg string) {
	m := c.newMessage(domain.RoleUser, msg)
	c.appendHistory(m)
	c.render(viewOf(m, false, false))
}

func (c *Client) recordAssistant(m domain.ChatMessage) {
	if m.Sources == nil {
		m.Sources = []domain.Source{}
	}
	c.appendHistory(m)
	c.render(viewOf(m, false, false))
}

func (c *Client) appendHistory(m domain.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	if n := len(c.history); n > MaxHistory {
		c.history = append([]domain.ChatMessage(nil), c.history[n-MaxHistory:]...)
	}
	b, err := json.Marshal(c.history)
	if err == nil {
		err = c.opts.Store.Set(HistoryKey, b)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("persist history")
	}
}

func (c *Client) loadSession() (string, error) {
	b, err := c.opts.Store.Get(SessionKey)
	switch {
	case err == nil:
		if id, perr := uuid.Parse(string(b)); perr == nil && id.String() == string(b) {
			return string(b), nil
		}
	case !errors.Is(err, ErrNotFound):
		return "", err
	}
	sid := uuid.NewString()
	if err := c.opts.Store.Set(SessionKey, []byte(sid)); err != nil {
		return "", err
	}
	return sid, nil
}

func (c *Client) loadHistory() ([]domain.ChatMessage, error) {
	b, err := c.opts.Store.Get(HistoryKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hist []domain.ChatMessage
	if err := json.Unmarshal(b, &hist); err != nil {
		c.log.Warn().Err(err).Msg("discarding unreadable history")
		return nil, nil
	}
	if n := len(hist); n > MaxHistory {
		hist = hist[n-MaxHistory:]
	}
	return hist, nil
}

func (c *Client) fetchConfig(ctx context.Context) domain.WidgetConfig {
	cfg := domain.DefaultWidgetConfig("")
	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	var got domain.WidgetConfig
	resp, err := c.rc.R().SetContext(ctx).SetResult(&got).Get(configPath)
	if err != nil || resp.IsError() {
		ev := c.log.Warn().Err(err)
		if resp != nil {
			ev = ev.Int("status", resp.StatusCode())
		}
		ev.Msg("widget config unavailable, using defaults")
		return cfg
	}
	if got.WidgetName != "" {
		cfg.WidgetName = got.WidgetName
	}
	if got.PrimaryColor != "" {
		cfg.PrimaryColor = got.PrimaryColor
	}
	if got.Position != "" {
		cfg.Position = got.Position
	}
	if got.WelcomeMessage != "" {
		cfg.WelcomeMessage = got.WelcomeMessage
	}
	return cfg
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.opts.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Client) render(v View) {
	c.uiMu.Lock()
	defer c.uiMu.Unlock()
	c.opts.Renderer.RenderMessage(v)
}

// showBanner raises the banner and schedules its removal. A newer banner
// restarts the countdown.
func (c *Client) showBanner(text string) {
	c.uiMu.Lock()
	defer c.uiMu.Unlock()
	c.opts.Renderer.ShowBanner(text)
	if c.banner != nil {
		c.banner.Stop()
	}
	c.bannerSeq++
	seq := c.bannerSeq
	c.banner = time.AfterFunc(c.opts.BannerTimeout, func() {
		c.uiMu.Lock()
		defer c.uiMu.Unlock()
		if c.bannerSeq == seq {
			c.opts.Renderer.HideBanner()
		}
	})
}

// restyLogger routes resty's own diagnostics through zerolog.
type restyLogger struct{ l zerolog.Logger }

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error().Msgf(format, v...) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn().Msgf(format, v...) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug().Msgf(format, v...) }
