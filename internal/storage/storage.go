// Package storage provides the daemon's persisted state: sessions,
// the append-only message log, and the append-only raw-event log that
// backs RPC resume-by-sequence. Backed by
// modernc.org/sqlite, a pure-Go cgo-free driver, so the daemon ships
// as a single static binary.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/unbound-app/daemon/pkg/types"
)

var ErrNotFound = errors.New("not found")

// Storage wraps a single SQLite connection. SQLite serialises writers
// internally; the mutex only protects the multi-statement sequence
// allocation in AppendMessage from racing across goroutines within
// this process.
type Storage struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and
// applies the schema.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY under WAL

	s := &Storage{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	repository_id     TEXT NOT NULL,
	title             TEXT NOT NULL,
	claude_session_id TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	working_directory TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	last_accessed_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_repository ON sessions(repository_id);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	is_streaming    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, sequence_number)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(id);

CREATE TABLE IF NOT EXISTS raw_events (
	session_id      TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	payload         BLOB NOT NULL,
	received_at     TEXT NOT NULL,
	PRIMARY KEY (session_id, sequence_number)
);
`

func (s *Storage) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// PutSession upserts a Session row.
func (s *Storage) PutSession(ctx context.Context, sess *types.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, repository_id, title, claude_session_id, status, working_directory, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_id=excluded.repository_id,
			title=excluded.title,
			claude_session_id=excluded.claude_session_id,
			status=excluded.status,
			working_directory=excluded.working_directory,
			last_accessed_at=excluded.last_accessed_at`,
		sess.ID, sess.RepositoryID, sess.Title, sess.ClaudeSessionID, sess.Status, sess.WorkingDir, sess.CreatedAt, sess.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a Session by id.
func (s *Storage) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, title, claude_session_id, status, working_directory, created_at, last_accessed_at
		FROM sessions WHERE id = ?`, id)

	var sess types.Session
	err := row.Scan(&sess.ID, &sess.RepositoryID, &sess.Title, &sess.ClaudeSessionID, &sess.Status, &sess.WorkingDir, &sess.CreatedAt, &sess.LastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns every Session belonging to repositoryID, or
// every Session if repositoryID is empty.
func (s *Storage) ListSessions(ctx context.Context, repositoryID string) ([]*types.Session, error) {
	var rows *sql.Rows
	var err error
	if repositoryID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, repository_id, title, claude_session_id, status, working_directory, created_at, last_accessed_at
			FROM sessions ORDER BY last_accessed_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, repository_id, title, claude_session_id, status, working_directory, created_at, last_accessed_at
			FROM sessions WHERE repository_id = ? ORDER BY last_accessed_at DESC`, repositoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var sess types.Session
		if err := rows.Scan(&sess.ID, &sess.RepositoryID, &sess.Title, &sess.ClaudeSessionID, &sess.Status, &sess.WorkingDir, &sess.CreatedAt, &sess.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a Session and its message/raw-event rows.
func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM raw_events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete raw events: %w", err)
	}
	return tx.Commit()
}

// NextSequence returns the next sequence_number for sessionID's
// message log (one past the current max, 0 if empty). Callers hold
// the returned value only briefly before AppendMessage commits it.
func (s *Storage) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM messages WHERE session_id = ?`, sessionID)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return next, nil
}

// AppendMessage assigns msg the next sequence_number for its session
// and inserts it. The assignment and insert happen under s.mu so two
// goroutines appending to the same session can't race onto the same
// sequence_number.
func (s *Storage) AppendMessage(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.NextSequence(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	msg.SequenceNumber = next

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sequence_number, role, content, created_at, is_streaming)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SequenceNumber, msg.Role, msg.Content, msg.CreatedAt, msg.IsStreaming)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// SetMessageStreaming flips is_streaming for a single message. It is
// the only permitted mutation of an already-inserted row (§3 data
// model: messages are append-only except for this flag).
func (s *Storage) SetMessageStreaming(ctx context.Context, sessionID, messageID string, streaming bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_streaming = ? WHERE session_id = ? AND id = ?`,
		streaming, sessionID, messageID)
	if err != nil {
		return fmt.Errorf("set message streaming: %w", err)
	}
	return nil
}

// ListMessages returns every Message for sessionID ordered by
// sequence_number ascending.
func (s *Storage) ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence_number, role, content, created_at, is_streaming
		FROM messages WHERE session_id = ? ORDER BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SequenceNumber, &m.Role, &m.Content, &m.CreatedAt, &m.IsStreaming); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AppendRawEvent records the verbatim NDJSON line received for a
// session at a given sequence number, ahead of timeline projection.
// Duplicate (session_id, sequence_number) pairs are rejected by the
// primary key and returned as an error; the row is not written.
func (s *Storage) AppendRawEvent(ctx context.Context, sessionID string, sequence int64, payload []byte, receivedAt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_events (session_id, sequence_number, payload, received_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, sequence, payload, receivedAt)
	if err != nil {
		return fmt.Errorf("append raw event: %w", err)
	}
	return nil
}

// RawEventsSince returns raw events for sessionID with sequence_number
// strictly greater than after, ordered ascending. Used by C1 to
// resume a subscription after a gap (§4.1).
func (s *Storage) RawEventsSince(ctx context.Context, sessionID string, after int64) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM raw_events
		WHERE session_id = ? AND sequence_number > ?
		ORDER BY sequence_number ASC`, sessionID, after)
	if err != nil {
		return nil, fmt.Errorf("raw events since: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}
