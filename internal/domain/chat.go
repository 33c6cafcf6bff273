package domain

import "time"

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Source is a reference the AI processor attached to an answer.
type Source struct {
	Title      string   `json:"title"`
	URL        string   `json:"url,omitempty"`
	Excerpt    string   `json:"excerpt"`
	DocumentID string   `json:"document_id,omitempty"`
	Score      *float64 `json:"score,omitempty"`
}

// ChatMessage is one entry of the widget's local history. Sources are only
// set on assistant messages.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage carries token accounting reported at the end of a streamed reply.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	LatencyMS        int64 `json:"latency_ms,omitempty"`
}

// ChatMetadata is optional context the widget attaches to a chat turn. It
// is forwarded to the processor unchanged.
type ChatMetadata struct {
	UserAgent    string         `json:"userAgent,omitempty"`
	PageURL      string         `json:"pageUrl,omitempty"`
	CustomFields map[string]any `json:"customFields,omitempty"`
}
