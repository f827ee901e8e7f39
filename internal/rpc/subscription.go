package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/unbound-app/daemon/internal/event"
	"github.com/unbound-app/daemon/internal/logging"
	"github.com/unbound-app/daemon/internal/session"
	"github.com/unbound-app/daemon/internal/storage"
)

// subscriberQueueDepth is the default bounded per-connection event
// queue (§4.3 Backpressure): 1024 events before the subscription is
// closed with a non-fatal error.
const subscriberQueueDepth = 1024

// subscription is one connection's live feed of a session's events.
type subscription struct {
	sessionID string
	seq       int64 // last sequence delivered to the client
	queue     chan Event
	unsub     func()
	closed    int32
}

// subscriptionManager tracks subscriptions per connection and bridges
// the internal event bus into per-session, sequence-numbered Events.
type subscriptionManager struct {
	bus     *event.Bus
	store   *storage.Storage
	engine  *session.Engine

	mu   sync.Mutex
	subs map[*conn]map[string]*subscription // conn -> session id -> subscription
}

func newSubscriptionManager(bus *event.Bus, store *storage.Storage, engine *session.Engine) *subscriptionManager {
	return &subscriptionManager{
		bus:    bus,
		store:  store,
		engine: engine,
		subs:   make(map[*conn]map[string]*subscription),
	}
}

// initialStateEvent builds the §4.1 `initial_state` event: the
// persisted Message log plus the live timeline projection, if any.
func (m *subscriptionManager) initialStateEvent(ctx context.Context, sessionID string) (Event, error) {
	messages, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return Event{}, err
	}
	timeline := m.engine.Timeline(sessionID)

	payload := struct {
		Messages []*struct {
			ID             string `json:"id"`
			SequenceNumber int64  `json:"sequence_number"`
			Role           string `json:"role"`
			Content        string `json:"content"`
		} `json:"messages,omitempty"`
		Timeline any  `json:"timeline,omitempty"`
		Live     bool `json:"live"`
	}{Live: m.engine.IsRunning(sessionID), Timeline: timeline}

	for _, msg := range messages {
		payload.Messages = append(payload.Messages, &struct {
			ID             string `json:"id"`
			SequenceNumber int64  `json:"sequence_number"`
			Role           string `json:"role"`
			Content        string `json:"content"`
		}{ID: msg.ID, SequenceNumber: msg.SequenceNumber, Role: string(msg.Role), Content: msg.Content})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: "initial_state", SessionID: sessionID, Data: data}, nil
}

// replaySince returns every raw event strictly after `after`, per
// §4.1's resume-by-sequence contract. The persisted raw-event log is
// unbounded (§6), unlike the ring, so a resume request can always be
// satisfied from it; a `gap` is only signalled for a negative cursor,
// which can't correspond to any sequence this daemon ever issued.
func (m *subscriptionManager) replaySince(ctx context.Context, sessionID string, after int64) ([]Event, bool, error) {
	if after < 0 {
		return nil, true, nil
	}
	rows, err := m.store.RawEventsSince(ctx, sessionID, after)
	if err != nil {
		return nil, false, err
	}
	events := make([]Event, 0, len(rows))
	for i, raw := range rows {
		events = append(events, Event{
			Type:      "raw_event",
			SessionID: sessionID,
			Data:      json.RawMessage(raw),
			Sequence:  after + int64(i) + 1,
		})
	}
	return events, false, nil
}

// subscribe registers c as a consumer of sessionID's event stream,
// starting delivery from the bus going forward. Events published
// before this call are not delivered except via replaySince.
func (m *subscriptionManager) subscribe(c *conn, sessionID string) *subscription {
	var seq int64
	sub := &subscription{sessionID: sessionID, queue: make(chan Event, subscriberQueueDepth)}

	unsub := m.bus.Subscribe(event.TimelineUpdated, func(e event.Event) {
		m.deliver(c, sub, sessionID, &seq, "timeline.entry.updated", e)
	})
	unsubs := []func(){unsub}
	unsubs = append(unsubs,
		m.bus.Subscribe(event.MessageCreated, func(e event.Event) {
			m.deliver(c, sub, sessionID, &seq, "message.created", e)
		}),
		m.bus.Subscribe(event.StatusChanged, func(e event.Event) {
			m.deliver(c, sub, sessionID, &seq, "status.changed", e)
		}),
		m.bus.Subscribe(event.TerminalEvent, func(e event.Event) {
			m.deliver(c, sub, sessionID, &seq, "terminal.output", e)
		}),
	)
	sub.unsub = func() {
		for _, u := range unsubs {
			u()
		}
	}

	m.mu.Lock()
	if m.subs[c] == nil {
		m.subs[c] = make(map[string]*subscription)
	}
	m.subs[c][sessionID] = sub
	m.mu.Unlock()

	go m.pump(c, sub)
	return sub
}

// deliver filters bus events to sessionID, assigns a monotonically
// increasing per-session sequence, and enqueues for delivery; a full
// queue closes the subscription per §4.3 Backpressure.
func (m *subscriptionManager) deliver(c *conn, sub *subscription, sessionID string, seq *int64, eventType string, e event.Event) {
	if atomic.LoadInt32(&sub.closed) != 0 {
		return
	}
	sid, ok := sessionIDOf(e.Data)
	if !ok || sid != sessionID {
		return
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return
	}
	n := atomic.AddInt64(seq, 1)
	out := Event{Type: eventType, SessionID: sessionID, Data: data, Sequence: n}
	select {
	case sub.queue <- out:
	default:
		logging.Warn().Str("session_id", sessionID).Msg("rpc: subscriber queue overflow, closing subscription")
		m.unsubscribe(c, sessionID)
	}
}

// pump drains sub's queue onto the connection until the subscription
// is closed or the connection dies.
func (m *subscriptionManager) pump(c *conn, sub *subscription) {
	for ev := range sub.queue {
		if err := c.writeEvent(ev); err != nil {
			m.unsubscribe(c, sub.sessionID)
			return
		}
	}
}

func (m *subscriptionManager) unsubscribe(c *conn, sessionID string) {
	m.mu.Lock()
	sub, ok := m.subs[c][sessionID]
	if ok {
		delete(m.subs[c], sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if atomic.CompareAndSwapInt32(&sub.closed, 0, 1) {
		sub.unsub()
		close(sub.queue)
	}
}

// unsubscribeAll tears down every subscription for a closed connection.
func (m *subscriptionManager) unsubscribeAll(c *conn) {
	m.mu.Lock()
	sessions := make([]string, 0, len(m.subs[c]))
	for sid := range m.subs[c] {
		sessions = append(sessions, sid)
	}
	m.mu.Unlock()
	for _, sid := range sessions {
		m.unsubscribe(c, sid)
	}
}

// sessionIDOf extracts a `session_id` field from an arbitrary event
// data payload, since each EventData struct names the field the same
// way but isn't a common interface. MessageCreatedData and
// MessageUpdatedData carry it one level down, under `info`, because
// they wrap a persisted Message rather than naming the session
// directly.
func sessionIDOf(data any) (string, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	var probe struct {
		SessionID string `json:"session_id"`
		Info      struct {
			SessionID string `json:"session_id"`
		} `json:"info"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}
	if probe.SessionID != "" {
		return probe.SessionID, true
	}
	return probe.Info.SessionID, probe.Info.SessionID != ""
}
