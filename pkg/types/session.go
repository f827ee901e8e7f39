// Package types provides the wire-level data model shared by the daemon's
// IPC transport, event ring, and session engine.
package types

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionError    SessionStatus = "error"
)

// Session identifies a conversation that owns at most one child CLI
// process and one shared-memory ring at a time.
type Session struct {
	ID             string        `json:"id"`
	RepositoryID   string        `json:"repository_id"`
	Title          string        `json:"title"`
	ClaudeSessionID string       `json:"claude_session_id,omitempty"`
	Status         SessionStatus `json:"status"`
	WorkingDir     string        `json:"working_directory"`
	CreatedAt      string        `json:"created_at"`
	LastAccessedAt string        `json:"last_accessed_at"`
}

// IsDefaultTitle reports whether the session still carries its
// placeholder title and is eligible for title derivation.
func (s *Session) IsDefaultTitle() bool {
	return s.Title == "" || s.Title == DefaultSessionTitle
}

// DefaultSessionTitle is assigned to a Session until the first user
// message lets the daemon derive a real one.
const DefaultSessionTitle = "New Session"
