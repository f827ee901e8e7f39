// Package event provides the daemon-internal pub/sub bus using watermill.
// It decouples the session engine (C3) from the RPC subscription
// fan-out (C1) and the shared-memory ring producer (C2): the engine
// publishes once, and both consumers subscribe independently.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType represents the type of event.
type EventType string

const (
	SessionCreated   EventType = "session.created"
	SessionUpdated   EventType = "session.updated"
	SessionDeleted   EventType = "session.deleted"
	SessionError     EventType = "session.error"
	MessageCreated   EventType = "message.created"
	MessageUpdated   EventType = "message.updated"
	TimelineUpdated  EventType = "timeline.entry.updated"
	StatusChanged    EventType = "status.changed"
	TerminalEvent    EventType = "terminal.output"
	RawEventReceived EventType = "raw.event"
)

// Event is one occurrence on the bus: a typed tag plus whatever Data
// payload struct corresponds to it (see the *Data types below).
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber handles one delivered Event.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans Events out to per-type and wildcard subscribers. Dispatch
// is a plain in-process call, not a watermill topic round-trip, so
// Go's static types survive across the call; pubsub is kept alongside
// for callers that want a topic-shaped handle onto the same traffic
// (see PubSub) rather than the typed Subscribe API.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
}

// globalBus backs the package-level Subscribe/Publish helpers.
var globalBus = newBus()

func newBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[EventType][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for eventType and returns a func that
// unregisters it.
func Subscribe(eventType EventType, fn Subscriber) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers fn for every event type.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.global = append(b.global, entry)

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// Publish dispatches event to every matching subscriber, each in its
// own goroutine, and returns without waiting on them.
func Publish(event Event) {
	globalBus.Publish(event)
}

func (b *Bus) Publish(event Event) {
	subs := b.matching(event.Type)
	for _, sub := range subs {
		go sub(event)
	}
}

// PublishSync dispatches event to every matching subscriber in the
// caller's goroutine, one after another, returning once all have run.
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

func (b *Bus) PublishSync(event Event) {
	subs := b.matching(event.Type)
	for _, sub := range subs {
		sub(event)
	}
}

// matching returns the per-type and wildcard subscribers for
// eventType, or nil once the bus is closed.
func (b *Bus) matching(eventType EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// NewBus returns a fresh, independent bus.
func NewBus() *Bus {
	return newBus()
}

// Reset tears down the package-level global bus and replaces it with
// a new one, for test isolation between packages that use the
// package-level Subscribe/Publish helpers.
func Reset() {
	globalBus.mu.Lock()
	globalBus.closed = true
	globalBus.closedCancel()
	globalBus.mu.Unlock()

	_ = globalBus.pubsub.Close()
	time.Sleep(10 * time.Millisecond)

	globalBus = newBus()
}

// Close shuts the bus down: further Subscribe calls are no-ops and
// further Publish/PublishSync calls deliver to nobody.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill GoChannel, for a consumer
// that wants a message.Subscriber topic handle instead of a typed
// Subscribe callback (e.g. swapping in a distributed backend later).
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// PubSub is the global bus's PubSub.
func PubSub() *gochannel.GoChannel {
	return globalBus.PubSub()
}
