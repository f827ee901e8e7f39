package relay

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/unbound-app/daemon/internal/event"
	"github.com/unbound-app/daemon/internal/logging"
)

// bridgedEvents names the internal bus events worth fanning out to the
// remote service unprompted, so a companion client watching the
// default channel sees session lifecycle without polling C1.
var bridgedEvents = []event.EventType{
	event.SessionCreated,
	event.SessionUpdated,
	event.SessionDeleted,
	event.SessionError,
}

// Bridge subscribes Server's outbound Client directly to the internal
// event bus, publishing a side-effect frame for every bridged event
// type without a local socket round-trip. Returns an unsubscribe func.
func (s *Server) Bridge(bus *event.Bus) func() {
	unsubs := make([]func(), 0, len(bridgedEvents))
	for _, et := range bridgedEvents {
		et := et
		unsubs = append(unsubs, bus.Subscribe(et, func(e event.Event) {
			s.publishBridgedEvent(string(et), e)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Server) publishBridgedEvent(eventName string, e event.Event) {
	if err := s.client.Publish(context.Background(), eventName, s.defaultChannel, e.Data); err != nil {
		logging.Warn().Err(err).Str("event", eventName).Msg("relay: failed to bridge internal event")
	}
}

// PublishEffect lets in-process callers (e.g. an RPC handler acting on
// a client request) enqueue a side effect without dialing the local
// socket themselves, replying with the same ack shape an external
// publisher over the socket would receive.
func (s *Server) PublishEffect(ctx context.Context, frame SideEffectFrame) PublishAckFrame {
	if frame.EffectID == (ulid.ULID{}) {
		frame.EffectID = ulid.Make()
	}
	eventName := frame.Event
	if eventName == "" {
		eventName = frame.Type
	}
	channel := frame.Channel
	if channel == "" {
		channel = s.defaultChannel
	}
	var payload any = frame
	if len(frame.Payload) > 0 {
		payload = frame.Payload
	}

	if err := s.client.Publish(ctx, eventName, channel, payload); err != nil {
		return PublishAckFrame{EffectID: frame.EffectID, Status: AckFailed, Error: err.Error()}
	}
	return PublishAckFrame{EffectID: frame.EffectID, Status: AckSuccess}
}
