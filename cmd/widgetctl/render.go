package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/widgetclient"
)

// terminalRenderer prints assistant replies incrementally. A view for the
// message currently being written only prints the text added since the
// previous view.
type terminalRenderer struct {
	out, errOut io.Writer

	mu      sync.Mutex
	live    bool
	current string
	printed int
}

func newTerminalRenderer(out, errOut io.Writer) *terminalRenderer {
	return &terminalRenderer{out: out, errOut: errOut}
}

// ready switches from history replay to live output.
func (t *terminalRenderer) ready() {
	t.mu.Lock()
	t.live = true
	t.mu.Unlock()
}

func (t *terminalRenderer) RenderMessage(v widgetclient.View) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.live {
		fmt.Fprintf(t.out, "%s: %s\n", v.Role, v.Text)
		return
	}
	if v.Role != domain.RoleAssistant {
		return
	}
	if v.ID != t.current {
		t.current, t.printed = v.ID, 0
	}
	if v.Failed {
		if t.printed > 0 {
			fmt.Fprintln(t.out)
		}
		t.current = ""
		return
	}
	if len(v.Text) > t.printed {
		fmt.Fprint(t.out, v.Text[t.printed:])
		t.printed = len(v.Text)
	}
	if !v.Typing {
		fmt.Fprintln(t.out)
		for _, s := range v.SourcesHTML {
			fmt.Fprintf(t.out, "  [%s] %s\n", s.TitleHTML, s.URLHTML)
		}
		t.current = ""
	}
}

func (t *terminalRenderer) RemoveMessage(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == t.current && t.printed > 0 {
		fmt.Fprintln(t.out, " [cancelled]")
	}
	if id == t.current {
		t.current = ""
	}
}

func (t *terminalRenderer) ShowBanner(text string) {
	fmt.Fprintln(t.errOut, "! "+strings.TrimSpace(text))
}

func (t *terminalRenderer) HideBanner() {}
