package types

// MessageRole discriminates who produced a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one append-only row in a Session's persisted log. Content
// carries the raw NDJSON line verbatim for assistant/system rows, or
// plain text for user rows; the timeline projection is recomputed from
// this log, never mutated in place except for IsStreaming.
type Message struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	SequenceNumber int64       `json:"sequence_number"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      string      `json:"created_at"`
	IsStreaming    bool        `json:"is_streaming"`
}
