package widgetclient

import (
	"html"
	"net/url"
	"strings"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// View is one message as the widget shows it.
type View struct {
	ID   string
	Role string
	// Text is the raw message content.
	Text string
	// HTML is Text escaped for insertion into a page, with newlines as <br>.
	// It never contains markup from the message itself.
	HTML string
	// Sources is raw processor data. Renderers insert SourcesHTML instead.
	Sources []domain.Source
	// SourcesHTML holds the escaped form of every entry in Sources.
	SourcesHTML []SourceView
	// Typing is set while an assistant reply is still streaming.
	Typing bool
	// Failed marks an assistant message finalized by an error.
	Failed bool
}

// SourceView is a source reference escaped for insertion into a page.
// URLHTML is empty unless the link is http or https.
type SourceView struct {
	TitleHTML   string
	ExcerptHTML string
	URLHTML     string
}

// Renderer draws the widget. Calls are serialized by the Client.
type Renderer interface {
	// RenderMessage inserts the message or replaces the one with the same ID.
	RenderMessage(View)
	// RemoveMessage drops a message that will never be finalized.
	RemoveMessage(id string)
	ShowBanner(text string)
	HideBanner()
}

// EscapeHTML escapes s and turns line breaks into <br>.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}

func viewOf(m domain.ChatMessage, typing, failed bool) View {
	return View{
		ID:          m.ID,
		Role:        m.Role,
		Text:        m.Content,
		HTML:        EscapeHTML(m.Content),
		Sources:     m.Sources,
		SourcesHTML: sourceViews(m.Sources),
		Typing:      typing,
		Failed:      failed,
	}
}

func sourceViews(src []domain.Source) []SourceView {
	if len(src) == 0 {
		return nil
	}
	out := make([]SourceView, len(src))
	for i, s := range src {
		out[i] = SourceView{
			TitleHTML:   EscapeHTML(s.Title),
			ExcerptHTML: EscapeHTML(s.Excerpt),
			URLHTML:     safeURL(s.URL),
		}
	}
	return out
}

func safeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return html.EscapeString(u.String())
}

// NopRenderer discards everything.
type NopRenderer struct{}

func (NopRenderer) RenderMessage(View)   {}
func (NopRenderer) RemoveMessage(string) {}
func (NopRenderer) ShowBanner(string)    {}
func (NopRenderer) HideBanner()          {}
