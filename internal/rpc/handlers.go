package rpc

import (
	"context"
	"encoding/json"

	"github.com/unbound-app/daemon/internal/event"
)

// HandlerFunc processes one decoded Request and returns either a
// result (marshalled to JSON) or an error.
type HandlerFunc func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

// registerDefaultHandlers wires the §6 closed method enum's
// session/message/claude/health/subscription surface, plus the
// supplemented CRUD methods named in SPEC_FULL.md §5.
func (s *Server) registerDefaultHandlers() {
	s.handlers["health"] = s.handleHealth
	s.handlers["shutdown"] = s.handleShutdown

	s.handlers["session.create"] = s.handleSessionCreate
	s.handlers["session.get"] = s.handleSessionGet
	s.handlers["session.list"] = s.handleSessionList
	s.handlers["session.archive"] = s.handleSessionArchive
	s.handlers["session.delete"] = s.handleSessionDelete
	s.handlers["session.rename"] = s.handleSessionRename

	s.handlers["message.list"] = s.handleMessageList

	s.handlers["claude.send"] = s.handleClaudeSend
	s.handlers["claude.status"] = s.handleClaudeStatus
	s.handlers["claude.stop"] = s.handleClaudeStop

	s.handlers["session.subscribe"] = s.handleSessionSubscribe
	s.handlers["session.unsubscribe"] = s.handleSessionUnsubscribe
}

func (s *Server) handleHealth(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	return struct {
		Status        string `json:"status"`
		ActiveSessions int   `json:"active_sessions"`
		RelayState    string `json:"relay_breaker_state"`
	}{
		Status:         "ok",
		ActiveSessions: s.activeSessionCount(),
		RelayState:     string(s.relayBreaker.State()),
	}, nil
}

func (s *Server) activeSessionCount() int {
	n := 0
	sessions, err := s.store.ListSessions(context.Background(), "")
	if err != nil {
		return 0
	}
	for _, sess := range sessions {
		if s.engine.IsRunning(sess.ID) {
			n++
		}
	}
	return n
}

func (s *Server) handleShutdown(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	go s.Shutdown(context.Background())
	return struct {
		Shutdown bool `json:"shutdown"`
	}{true}, nil
}

type createSessionParams struct {
	RepositoryID string `json:"repository_id"`
	WorkingDir   string `json:"working_directory"`
}

func (s *Server) handleSessionCreate(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p createSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.Create(ctx, p.RepositoryID, p.WorkingDir)
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleSessionGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.Get(ctx, p.SessionID)
}

type listSessionsParams struct {
	RepositoryID string `json:"repository_id,omitempty"`
}

func (s *Server) handleSessionList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p listSessionsParams
	_ = json.Unmarshal(params, &p)
	return s.sessions.List(ctx, p.RepositoryID)
}

func (s *Server) handleSessionArchive(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.Archive(ctx, p.SessionID)
}

func (s *Server) handleSessionDelete(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := s.sessions.Delete(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return struct {
		Deleted bool `json:"deleted"`
	}{true}, nil
}

type renameSessionParams struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

func (s *Server) handleSessionRename(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p renameSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	sess.Title = p.Title
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	s.bus.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})
	return sess, nil
}

type listMessagesParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleMessageList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p listMessagesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, p.SessionID)
}

type claudeSendParams struct {
	SessionID      string `json:"session_id"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

func (s *Server) handleClaudeSend(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p claudeSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Send(ctx, sess, p.Prompt, p.Model, p.PermissionMode); err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, sess.ID, p.Prompt); err != nil {
		return nil, err
	}
	return struct {
		Sent bool `json:"sent"`
	}{true}, nil
}

func (s *Server) handleClaudeStatus(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return struct {
		Running bool `json:"running"`
	}{s.engine.IsRunning(p.SessionID)}, nil
}

func (s *Server) handleClaudeStop(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.Stop(p.SessionID); err != nil {
		return nil, err
	}
	return struct {
		Stopped bool `json:"stopped"`
	}{true}, nil
}

type subscribeParams struct {
	SessionID    string `json:"session_id"`
	LastSequence *int64 `json:"last_sequence,omitempty"`
}

func (s *Server) handleSessionSubscribe(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if _, err := s.sessions.Get(ctx, p.SessionID); err != nil {
		return nil, err
	}

	if p.LastSequence != nil {
		events, gap, err := s.subs.replaySince(ctx, p.SessionID, *p.LastSequence)
		if err != nil {
			return nil, err
		}
		if gap {
			_ = c.writeEvent(Event{Type: "gap", SessionID: p.SessionID})
		} else {
			for _, ev := range events {
				if err := c.writeEvent(ev); err != nil {
					return nil, err
				}
			}
		}
	} else {
		initial, err := s.subs.initialStateEvent(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		if err := c.writeEvent(initial); err != nil {
			return nil, err
		}
	}

	s.subs.subscribe(c, p.SessionID)
	return struct {
		Subscribed bool `json:"subscribed"`
	}{true}, nil
}

func (s *Server) handleSessionUnsubscribe(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	s.subs.unsubscribe(c, p.SessionID)
	return struct {
		Unsubscribed bool `json:"unsubscribed"`
	}{true}, nil
}

