package relay

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/unbound-app/daemon/internal/logging"
)

// relayConn wraps one accepted connection: a frame decoder for reads
// and a mutex-guarded frame writer, since replies and fanned-out
// MessageFrames share the same stream.
type relayConn struct {
	net.Conn
	dec *frameDecoder

	writeMu sync.Mutex
}

func newRelayConn(nc net.Conn) *relayConn {
	return &relayConn{Conn: nc, dec: newFrameDecoder(nc)}
}

func (c *relayConn) writeFrame(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return encodeFrame(c.Conn, v)
}

// Server is the C4 local socket: it accepts side-effect frames from
// in-process publishers and forwards them to the remote fan-out
// service through Client, and routes remote deliveries back to
// whichever connections hold a live subscribe.v1 on that channel.
type Server struct {
	socketPath     string
	client         *Client
	defaultChannel string

	listener net.Listener

	mu      sync.Mutex
	conns   map[*relayConn]struct{}
	subs    map[string]map[*relayConn]struct{} // channel -> subscribed conns
	closing bool
}

// NewServer wires a Server to its outbound Client; defaultChannel is
// used when a frame omits one (§4.4 Publish contract, step 3).
func NewServer(socketPath string, client *Client, defaultChannel string) *Server {
	s := &Server{
		socketPath:     socketPath,
		client:         client,
		defaultChannel: defaultChannel,
		conns:          make(map[*relayConn]struct{}),
		subs:           make(map[string]map[*relayConn]struct{}),
	}
	client.SetOnMessage(s.dispatchInbound)
	return s
}

// ListenAndServe binds the relay socket and accepts connections until
// Close is called.
func (s *Server) ListenAndServe() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.listener = ln

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		c := newRelayConn(nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(c)
	}
}

// handleConn is this connection's single receive task: frames are
// processed one at a time, so a publish that blocks on the breaker (up
// to the configured timeout) delays this connection's next frame but
// never other connections' (§4.4 Liveness).
func (s *Server) handleConn(c *relayConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		for ch, set := range s.subs {
			delete(set, c)
			if len(set) == 0 {
				delete(s.subs, ch)
			}
		}
		s.mu.Unlock()
		c.Close()
	}()

	for {
		var frame SideEffectFrame
		if err := c.dec.decode(&frame); err != nil {
			return
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *relayConn, frame SideEffectFrame) {
	switch frame.Type {
	case OpSubscribe:
		s.subscribe(c, frame.Channel)
	case OpUnsubscribe:
		s.unsubscribe(c, frame.Channel)
	default:
		// Bare publish and publish.ack.v1 (§4.4's "mirror of publish
		// but through the ack path") both resolve to the same publish
		// contract and both reply with a PublishAckFrame.
		s.publish(c, frame)
	}
}

// publish implements §4.4's Publish contract.
func (s *Server) publish(c *relayConn, frame SideEffectFrame) {
	eventName := frame.Event
	if eventName == "" {
		eventName = frame.Type
	}
	if eventName == "" {
		s.ack(c, frame.EffectID, AckFailed, "effect has neither event nor type")
		return
	}

	var payload any = frame
	if len(frame.Payload) > 0 {
		payload = frame.Payload
	}

	channel := frame.Channel
	if channel == "" {
		channel = s.defaultChannel
	}

	if err := s.client.Publish(context.Background(), eventName, channel, payload); err != nil {
		s.ack(c, frame.EffectID, AckFailed, err.Error())
		return
	}
	s.ack(c, frame.EffectID, AckSuccess, "")
}

func (s *Server) ack(c *relayConn, effectID ulid.ULID, status AckStatus, errMsg string) {
	if err := c.writeFrame(PublishAckFrame{EffectID: effectID, Status: status, Error: errMsg}); err != nil {
		logging.Warn().Err(err).Msg("relay: failed to write publish ack")
	}
}

func (s *Server) subscribe(c *relayConn, channel string) {
	if channel == "" {
		channel = s.defaultChannel
	}
	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*relayConn]struct{})
	}
	s.subs[channel][c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unsubscribe(c *relayConn, channel string) {
	if channel == "" {
		channel = s.defaultChannel
	}
	s.mu.Lock()
	if set, ok := s.subs[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, channel)
		}
	}
	s.mu.Unlock()
}

// dispatchInbound fans one remote message out to every local
// connection subscribed to its channel, as a MessageFrame.
func (s *Server) dispatchInbound(channel string, payload []byte) {
	s.mu.Lock()
	conns := make([]*relayConn, 0, len(s.subs[channel]))
	for c := range s.subs[channel] {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := MessageFrame{Channel: channel, Payload: payload}
	for _, c := range conns {
		if err := c.writeFrame(msg); err != nil {
			logging.Warn().Err(err).Str("channel", channel).Msg("relay: failed to deliver inbound message")
		}
	}
}

// Close stops accepting connections and closes every open one.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*relayConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	_ = s.client.Close()
	return err
}
