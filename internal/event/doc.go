/*
Package event provides a type-safe, pub/sub event system for the
Unbound daemon.

# Architecture

The package is built on top of watermill's gochannel for infrastructure
while maintaining direct-call semantics to preserve type information.
It provides both synchronous and asynchronous event publishing
patterns.

# Event Types

  - session.created / session.updated / session.deleted / session.error
  - message.created / message.updated
  - timeline.entry.updated: a TimelineEntry changed shape (new block,
    status transition, dedup merge)
  - status.changed: a tool or sub-agent finalised at turn end (§4.3)

# Basic Usage

Publishing events:

	event.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})

Subscribing:

	unsubscribe := event.SubscribeAll(func(e event.Event) { ... })
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers run synchronously in the
publisher's goroutine. They must complete quickly, use non-blocking
sends, and never re-enter Publish/PublishSync.

# Thread Safety

The event bus is safe for concurrent publish and subscribe.
*/
package event
