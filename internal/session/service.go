package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unbound-app/daemon/internal/event"
	"github.com/unbound-app/daemon/internal/storage"
	"github.com/unbound-app/daemon/pkg/types"
)

// Service owns Session CRUD and title derivation; the Engine owns the
// child-process lifecycle and live projection for sessions that have
// an in-flight turn. Both sit in front of the same Storage and Bus.
type Service struct {
	store *storage.Storage
	bus   *event.Bus
}

// NewService wires a Service to its collaborators.
func NewService(store *storage.Storage, bus *event.Bus) *Service {
	return &Service{store: store, bus: bus}
}

// Create inserts a new Session in the active state.
func (s *Service) Create(ctx context.Context, repositoryID, workingDir string) (*types.Session, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	sess := &types.Session{
		ID:             uuid.NewString(),
		RepositoryID:   repositoryID,
		Title:          types.DefaultSessionTitle,
		Status:         types.SessionActive,
		WorkingDir:     workingDir,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	s.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Info: sess}})
	return sess, nil
}

// Get fetches a Session by id, translating storage.ErrNotFound to
// ErrNotFound for callers that only import this package.
func (s *Service) Get(ctx context.Context, id string) (*types.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err == storage.ErrNotFound {
		return nil, ErrNotFound
	}
	return sess, err
}

// List returns every Session for a repository, or all sessions if
// repositoryID is empty.
func (s *Service) List(ctx context.Context, repositoryID string) ([]*types.Session, error) {
	return s.store.ListSessions(ctx, repositoryID)
}

// Delete destroys a Session permanently (§3: "Destroyed only by
// explicit delete").
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionDeletedData{SessionID: id}})
	return nil
}

// Archive flips a Session to the archived status; archival retains
// its data (§3).
func (s *Service) Archive(ctx context.Context, id string) (*types.Session, error) {
	return s.setStatus(ctx, id, types.SessionArchived)
}

// MarkError flips a Session to the error status, per §7's subprocess
// error handling: the session is surfaced to the user, not retried.
func (s *Service) MarkError(ctx context.Context, id, reason string) (*types.Session, error) {
	sess, err := s.setStatus(ctx, id, types.SessionError)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(event.Event{Type: event.SessionError, Data: event.SessionErrorData{SessionID: id, Message: reason}})
	return sess, nil
}

func (s *Service) setStatus(ctx context.Context, id string, status types.SessionStatus) (*types.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Status = status
	sess.LastAccessedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	s.bus.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})
	return sess, nil
}

// Touch updates LastAccessedAt and, if the session still carries its
// placeholder title, derives a real one from the first user prompt
// (§4.3's title derivation is rule-based, not a model call — see
// title.go).
func (s *Service) Touch(ctx context.Context, id, firstPrompt string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.LastAccessedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if sess.IsDefaultTitle() {
		if title := DeriveTitle(firstPrompt); title != "" {
			sess.Title = title
		}
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return err
	}
	s.bus.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})
	return nil
}

// SetClaudeSessionID records the opaque LLM-assigned session id on
// the Session. The engine does not call it when it reads a
// `system.init` line.
func (s *Service) SetClaudeSessionID(ctx context.Context, id, claudeSessionID string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.ClaudeSessionID = claudeSessionID
	return s.store.PutSession(ctx, sess)
}
