package widgetclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

const testKey = "pk_live_0123456789abcdef0123456789abcdef"

// recorder is a Renderer that remembers everything it was asked to draw.
type recorder struct {
	mu      sync.Mutex
	views   []View
	removed []string
	banners []string
	hidden  int
}

func (r *recorder) RenderMessage(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) RemoveMessage(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) ShowBanner(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banners = append(r.banners, text)
}

func (r *recorder) HideBanner() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hidden++
}

func (r *recorder) snapshot() ([]View, []string, []string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]View(nil), r.views...), append([]string(nil), r.removed...), append([]string(nil), r.banners...), r.hidden
}

func (r *recorder) sawTyping(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.views {
		if v.Typing && v.Text == text {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

type sentTurn struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// widgetAPI is a fake widget server. stream handles /chat/stream.
type widgetAPI struct {
	t      *testing.T
	mu     sync.Mutex
	turns  []sentTurn
	keys   []string
	config func(w http.ResponseWriter)
	chat   func(w http.ResponseWriter, turn sentTurn)
	stream func(w http.ResponseWriter, r *http.Request, turn sentTurn)
}

func (a *widgetAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.keys = append(a.keys, r.Header.Get("x-api-key"))
	a.mu.Unlock()

	switch r.URL.Path {
	case "/api/widget/config":
		if a.config != nil {
			a.config(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"widgetName": "Shop Bot", "primaryColor": "#000000", "position": "bottom-left", "welcomeMessage": "Hey"})
	case "/api/widget/chat", "/api/widget/chat/stream":
		var turn sentTurn
		if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
			a.t.Errorf("decode turn: %v", err)
		}
		a.mu.Lock()
		a.turns = append(a.turns, turn)
		a.mu.Unlock()
		if r.URL.Path == "/api/widget/chat" {
			if a.chat != nil {
				a.chat(w, turn)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"response": "echo: " + turn.Message, "sessionId": turn.SessionID, "sources": []any{}})
			return
		}
		a.stream(w, r, turn)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFrames(w http.ResponseWriter, frames ...string) {
	for _, f := range frames {
		_, _ = fmt.Fprint(w, f)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	}
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

type harness struct {
	api    *widgetAPI
	srv    *httptest.Server
	store  *MemoryStore
	rec    *recorder
	c      *Client
	states []State
	mu     sync.Mutex
}

func newHarness(t *testing.T, api *widgetAPI) *harness {
	t.Helper()
	api.t = t
	h := &harness{api: api, store: NewMemoryStore(), rec: &recorder{}}
	h.srv = httptest.NewServer(api)
	t.Cleanup(h.srv.Close)

	nop := zerolog.Nop()
	c, err := New(Options{
		BaseURL:       h.srv.URL + "/api/widget/",
		APIKey:        testKey,
		Store:         h.store,
		Renderer:      h.rec,
		BannerTimeout: 30 * time.Millisecond,
		SendTimeout:   2 * time.Second,
		Logger:        &nop,
		OnStateChange: func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	h.c = c
	return h
}

func (h *harness) init(t *testing.T) domain.WidgetConfig {
	t.Helper()
	cfg, err := h.c.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return cfg
}

func (h *harness) stateTrail() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_RequiresBaseURLAndKey(t *testing.T) {
	if _, err := New(Options{APIKey: testKey}); err == nil {
		t.Fatalf("expected error without base URL")
	}
	if _, err := New(Options{BaseURL: "http://x"}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestInit_SessionCreatedOnceAndConfigFetched(t *testing.T) {
	h := newHarness(t, &widgetAPI{})
	cfg := h.init(t)

	if cfg.WidgetName != "Shop Bot" || cfg.Position != "bottom-left" {
		t.Fatalf("config not applied: %+v", cfg)
	}
	sid := h.c.SessionID()
	stored, err := h.store.Get(SessionKey)
	if err != nil || string(stored) != sid || len(sid) != 36 {
		t.Fatalf("session not persisted: sid=%q stored=%q err=%v", sid, stored, err)
	}

	nop := zerolog.Nop()
	again, err := New(Options{BaseURL: h.srv.URL + "/api/widget", APIKey: testKey, Store: h.store, Logger: &nop})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer again.Close()
	if _, err := again.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if again.SessionID() != sid {
		t.Fatalf("session must survive reload: %q vs %q", again.SessionID(), sid)
	}
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	for _, k := range h.api.keys {
		if k != testKey {
			t.Fatalf("x-api-key header = %q", k)
		}
	}
}

func TestInit_InvalidStoredSessionIsReplaced(t *testing.T) {
	h := newHarness(t, &widgetAPI{})
	_ = h.store.Set(SessionKey, []byte("not-a-uuid"))
	h.init(t)
	if sid := h.c.SessionID(); sid == "not-a-uuid" || len(sid) != 36 {
		t.Fatalf("invalid session id kept: %q", sid)
	}
}

func TestInit_ConfigFailureKeepsDefaults(t *testing.T) {
	h := newHarness(t, &widgetAPI{config: func(w http.ResponseWriter) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "unauthorized", "message": "invalid API key"})
	}})
	cfg := h.init(t)
	if def := domain.DefaultWidgetConfig(""); cfg.WidgetName != def.WidgetName || cfg.PrimaryColor != def.PrimaryColor {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestInit_HistoryRestoredAndBounded(t *testing.T) {
	h := newHarness(t, &widgetAPI{})
	var hist []domain.ChatMessage
	for i := 0; i < 60; i++ {
		hist = append(hist, domain.ChatMessage{ID: fmt.Sprint(i), Role: domain.RoleUser, Content: fmt.Sprint("m", i)})
	}
	b, _ := json.Marshal(hist)
	_ = h.store.Set(HistoryKey, b)

	h.init(t)
	got := h.c.History()
	if len(got) != MaxHistory || got[0].ID != "10" || got[MaxHistory-1].ID != "59" {
		t.Fatalf("history not bounded to the most recent %d: len=%d first=%v", MaxHistory, len(got), got[0].ID)
	}
	views, _, _, _ := h.rec.snapshot()
	if len(views) != MaxHistory {
		t.Fatalf("restored history must be rendered, got %d views", len(views))
	}

	if _, err := h.c.SendOnce(context.Background(), "one more"); err != nil {
		t.Fatalf("SendOnce: %v", err)
	}
	var persisted []domain.ChatMessage
	raw, _ := h.store.Get(HistoryKey)
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("persisted history unreadable: %v", err)
	}
	if len(persisted) != MaxHistory || persisted[MaxHistory-1].Content != "echo: one more" {
		t.Fatalf("persisted history: len=%d last=%+v", len(persisted), persisted[len(persisted)-1])
	}
}

func TestInit_CorruptHistoryIsDiscarded(t *testing.T) {
	h := newHarness(t, &widgetAPI{})
	_ = h.store.Set(HistoryKey, []byte("{nope"))
	h.init(t)
	if n := len(h.c.History()); n != 0 {
		t.Fatalf("expected empty history, got %d", n)
	}
}

func TestSendOnce_Success(t *testing.T) {
	h := newHarness(t, &widgetAPI{})
	h.init(t)

	reply, err := h.c.SendOnce(context.Background(), "  Hello  ")
	if err != nil {
		t.Fatalf("SendOnce: %v", err)
	}
	if reply.Role != domain.RoleAssistant || reply.Content != "echo: Hello" || reply.Sources == nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if trail := h.stateTrail(); !equalStates(trail, []State{StateSending, StateResponded, StateIdle}) {
		t.Fatalf("state trail = %v", trail)
	}
	h.api.mu.Lock()
	turn := h.api.turns[0]
	h.api.mu.Unlock()
	if turn.Message != "Hello" || turn.SessionID != h.c.SessionID() {
		t.Fatalf("unexpected turn sent: %+v", turn)
	}
	if hist := h.c.History(); len(hist) != 2 || hist[0].Role != domain.RoleUser || hist[1].Role != domain.RoleAssistant {
		t.Fatalf("history = %+v", hist)
	}
}

func TestSend_ValidationShortCircuits(t *testing.T) {
	h := newHarness(t, &widgetAPI{})
	h.init(t)

	if _, err := h.c.Send(context.Background(), " \n "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank message err = %v", err)
	}
	if _, err := h.c.Send(context.Background(), strings.Repeat("a", MaxMessageRunes+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("long message err = %v", err)
	}
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	if len(h.api.turns) != 0 {
		t.Fatalf("invalid input must not be sent")
	}
}

func TestSend_StreamsAndFinalizes(t *testing.T) {
	h := newHarness(t, &widgetAPI{stream: func(w http.ResponseWriter, _ *http.Request, _ sentTurn) {
		startStream(w)
		writeFrames(w,
			"event: chunk\ndata: Hello\n\n",
			"event: chunk\ndata:  <b>world</b>\n\n",
			"event: sources\ndata: [{\"title\":\"Docs\",\"url\":\"https://docs.example.com\",\"excerpt\":\"...\"}]\n\n",
			"event: usage\ndata: {\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}\n\n",
			"event: done\ndata: [DONE]\n\n",
		)
	}})
	h.init(t)

	reply, err := h.c.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Content != "Hello <b>world</b>" || len(reply.Sources) != 1 || reply.Sources[0].Title != "Docs" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if trail := h.stateTrail(); !equalStates(trail, []State{StateSending, StateStreaming, StateFinalized, StateIdle}) {
		t.Fatalf("state trail = %v", trail)
	}

	views, _, banners, _ := h.rec.snapshot()
	var typing, final int
	for _, v := range views {
		if v.ID != reply.ID {
			continue
		}
		if v.Typing {
			typing++
		} else {
			final++
			if v.HTML != "Hello &lt;b&gt;world&lt;/b&gt;" {
				t.Fatalf("final HTML not escaped: %q", v.HTML)
			}
		}
	}
	if typing < 2 || final != 1 {
		t.Fatalf("expected incremental typing views and one final view, got typing=%d final=%d", typing, final)
	}
	if len(banners) != 0 {
		t.Fatalf("no banner expected, got %v", banners)
	}
}

func TestSend_SplitChunksAndSourcesAreEscapedInEveryView(t *testing.T) {
	h := newHarness(t, &widgetAPI{stream: func(w http.ResponseWriter, _ *http.Request, _ sentTurn) {
		startStream(w)
		writeFrames(w,
			"event: chunk\ndata: Hel\n\n",
			"event: chunk\ndata: lo<script>\n\n",
			"event: sources\ndata: [{\"title\":\"<script>alert(1)</script>\",\"url\":\"javascript:alert(1)\",\"excerpt\":\"<img src=x onerror=alert(1)>\"},"+
				"{\"title\":\"Guide\",\"url\":\"https://docs.example.com/a?b=1&c=2\",\"excerpt\":\"ok\"}]\n\n",
			"event: done\ndata: [DONE]\n\n",
		)
	}})
	h.init(t)

	reply, err := h.c.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Content != "Hello<script>" || len(reply.Sources) != 2 || reply.Sources[0].Title != "<script>alert(1)</script>" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	views, _, _, _ := h.rec.snapshot()
	var final *View
	for i, v := range views {
		if v.ID != reply.ID {
			continue
		}
		if strings.Contains(v.HTML, "<") {
			t.Fatalf("view %d HTML has raw markup: %q", i, v.HTML)
		}
		for _, sv := range v.SourcesHTML {
			for _, f := range []string{sv.TitleHTML, sv.ExcerptHTML, sv.URLHTML} {
				if strings.Contains(f, "<") {
					t.Fatalf("view %d source field has raw markup: %q", i, f)
				}
			}
		}
		if !v.Typing {
			final = &views[i]
		}
	}
	if final == nil {
		t.Fatalf("no final view rendered")
	}
	if final.HTML != "Hello&lt;script&gt;" || len(final.SourcesHTML) != 2 {
		t.Fatalf("final view = %+v", final)
	}
	if got := final.SourcesHTML[0]; got.TitleHTML != "&lt;script&gt;alert(1)&lt;/script&gt;" || got.URLHTML != "" {
		t.Fatalf("unsafe source not neutralised: %+v", got)
	}
	if got := final.SourcesHTML[1].URLHTML; got != "https://docs.example.com/a?b=1&amp;c=2" {
		t.Fatalf("safe url = %q", got)
	}
}

func TestSend_InBandErrorFinalizesAndBannerHides(t *testing.T) {
	h := newHarness(t, &widgetAPI{stream: func(w http.ResponseWriter, _ *http.Request, _ sentTurn) {
		startStream(w)
		writeFrames(w,
			"event: chunk\ndata: partial\n\n",
			"event: error\ndata: {\"code\":\"rate_limited\",\"message\":\"rate limit exceeded\",\"retry_after\":12,\"upgrade\":true}\n\n",
		)
	}})
	h.init(t)

	reply, err := h.c.Send(context.Background(), "hi")
	var f *Failure
	if reply != nil || !errors.As(err, &f) || f.Code != "rate_limited" || f.RetryAfter != 12 || !f.Upgrade {
		t.Fatalf("unexpected result: reply=%v err=%v", reply, err)
	}
	if trail := h.stateTrail(); !equalStates(trail, []State{StateSending, StateStreaming, StateError, StateIdle}) {
		t.Fatalf("state trail = %v", trail)
	}

	views, _, banners, _ := h.rec.snapshot()
	last := views[len(views)-1]
	if last.Typing || !last.Failed || last.Text != UserMessage(err) {
		t.Fatalf("message not finalized with user text: %+v", last)
	}
	if !strings.Contains(last.Text, "12 seconds") || !strings.Contains(last.Text, "Upgrade") {
		t.Fatalf("rate limit text lacks hints: %q", last.Text)
	}
	if len(banners) != 1 {
		t.Fatalf("expected one banner, got %v", banners)
	}
	eventually(t, func() bool {
		_, _, _, hidden := h.rec.snapshot()
		return hidden == 1
	})
	if hist := h.c.History(); len(hist) != 1 || hist[0].Role != domain.RoleUser {
		t.Fatalf("failed reply must not be persisted: %+v", hist)
	}
}

func TestSend_HTTPErrorBeforeStream(t *testing.T) {
	h := newHarness(t, &widgetAPI{stream: func(w http.ResponseWriter, _ *http.Request, _ sentTurn) {
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"code": "rate_limited", "message": "rate limit exceeded"})
	}})
	h.init(t)

	_, err := h.c.Send(context.Background(), "hi")
	var f *Failure
	if !errors.As(err, &f) || f.HTTPStatus != http.StatusTooManyRequests || f.RetryAfter != 30 || f.Upgrade {
		t.Fatalf("unexpected failure: %v", err)
	}
	views, _, _, _ := h.rec.snapshot()
	if last := views[len(views)-1]; !last.Failed || last.Role != domain.RoleAssistant {
		t.Fatalf("expected a failed assistant message, got %+v", last)
	}
}

func TestSend_StreamEndingWithoutDoneFails(t *testing.T) {
	h := newHarness(t, &widgetAPI{stream: func(w http.ResponseWriter, _ *http.Request, _ sentTurn) {
		startStream(w)
		writeFrames(w, "event: chunk\ndata: half\n\n")
	}})
	h.init(t)

	_, err := h.c.Send(context.Background(), "hi")
	var f *Failure
	if !errors.As(err, &f) || f.Code != CodeBadStream {
		t.Fatalf("expected %s failure, got %v", CodeBadStream, err)
	}
}

func TestSend_NetworkFailure(t *testing.T) {
	h := newHarness(t, &widgetAPI{})
	h.init(t)
	h.srv.Close()

	_, err := h.c.Send(context.Background(), "hi")
	var f *Failure
	if !errors.As(err, &f) || f.Code != CodeNetwork {
		t.Fatalf("expected network failure, got %v", err)
	}
	if got := UserMessage(err); !strings.Contains(got, "Connection problem") {
		t.Fatalf("user message = %q", got)
	}
	if h.c.State() != StateIdle {
		t.Fatalf("client must return to idle, got %v", h.c.State())
	}
}

func TestSend_NewSendSupersedesStream(t *testing.T) {
	h := newHarness(t, &widgetAPI{stream: func(w http.ResponseWriter, r *http.Request, turn sentTurn) {
		startStream(w)
		if turn.Message == "first" {
			writeFrames(w, "event: chunk\ndata: partial\n\n")
			<-r.Context().Done()
			return
		}
		writeFrames(w, "event: chunk\ndata: second reply\n\n", "event: done\ndata: [DONE]\n\n")
	}})
	h.init(t)

	type result struct {
		reply *domain.ChatMessage
		err   error
	}
	firstDone := make(chan result, 1)
	go func() {
		r, err := h.c.Send(context.Background(), "first")
		firstDone <- result{r, err}
	}()
	eventually(t, func() bool { return h.rec.sawTyping("partial") })

	reply, err := h.c.Send(context.Background(), "second")
	if err != nil || reply.Content != "second reply" {
		t.Fatalf("second send: reply=%+v err=%v", reply, err)
	}

	first := <-firstDone
	if first.reply != nil || !errors.Is(first.err, ErrSuperseded) {
		t.Fatalf("first send: reply=%+v err=%v", first.reply, first.err)
	}

	views, removed, banners, _ := h.rec.snapshot()
	if len(removed) != 1 {
		t.Fatalf("partial reply must be removed once, got %v", removed)
	}
	for _, v := range views {
		if v.ID == removed[0] && !v.Typing {
			t.Fatalf("superseded reply was finalized: %+v", v)
		}
	}
	if len(banners) != 0 {
		t.Fatalf("superseding must not raise a banner, got %v", banners)
	}

	var assistants int
	for _, m := range h.c.History() {
		if m.Role == domain.RoleAssistant {
			assistants++
		}
	}
	if assistants != 1 {
		t.Fatalf("exactly one assistant reply expected, got %d", assistants)
	}
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&Failure{Code: "rate_limited"}, "wait a moment"},
		{&Failure{Code: "quota_exceeded"}, "usage limit"},
		{&Failure{Code: "timeout"}, "too long"},
		{&Failure{Code: "service_unavailable"}, "temporarily unavailable"},
		{&Failure{Code: "tenant_inactive"}, "unavailable on this site"},
		{&Failure{Code: "internal_error", TraceID: "tr-1"}, "something went wrong"},
		{errors.New("raw upstream detail"), "something went wrong"},
	}
	for _, tc := range cases {
		got := UserMessage(tc.err)
		if !strings.Contains(got, tc.want) {
			t.Fatalf("UserMessage(%v) = %q, want it to contain %q", tc.err, got, tc.want)
		}
		if strings.Contains(got, "tr-1") || strings.Contains(got, "upstream") {
			t.Fatalf("internal details leaked: %q", got)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateSending: "sending", StateStreaming: "streaming",
		StateResponded: "responded", StateFinalized: "finalized", StateError: "error", State(99): "unknown",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
