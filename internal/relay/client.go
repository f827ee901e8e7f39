package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/unbound-app/daemon/internal/breaker"
	"github.com/unbound-app/daemon/internal/logging"
)

// outboundFrame is what the client actually sends to the remote
// fan-out service: the derived event_name/channel plus the effective
// payload, per the §4.4 Publish contract's steps 1-3.
type outboundFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// Client owns the daemon's single outbound connection to the remote
// fan-out service, reconnected through the §4.5 circuit breaker.
// Inbound frames (deliveries to channels this daemon has subscribed
// to) are handed to onMessage as they arrive.
type Client struct {
	endpoint string
	breaker  *breaker.Breaker
	timeout  time.Duration

	onMessage func(channel string, payload []byte)

	mu   sync.Mutex
	conn net.Conn
}

// NewClient builds a Client dialing endpoint (host:port) on demand.
// An empty endpoint disables the outbound leg entirely: Publish always
// fails fast, matching the spec's "the daemon functions without [a
// configured remote]" posture for optional external services.
func NewClient(endpoint string, br *breaker.Breaker, timeout time.Duration) *Client {
	return &Client{endpoint: endpoint, breaker: br, timeout: timeout}
}

// SetOnMessage registers the callback invoked for each inbound
// MessageFrame read off the outbound connection.
func (c *Client) SetOnMessage(fn func(channel string, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// Publish sends one derived side effect to the remote service, gated
// by the breaker and bounded by the configured publish timeout.
func (c *Client) Publish(ctx context.Context, eventName, channel string, payload any) error {
	if c.endpoint == "" {
		return breaker.ErrOpen
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.breaker.Allow(); err != nil {
		return err
	}

	conn, err := c.ensureConn(ctx)
	if err != nil {
		c.breaker.Failure()
		return err
	}

	if err := encodeFrame(conn, outboundFrame{Event: eventName, Channel: channel, Payload: payload}); err != nil {
		c.breaker.Failure()
		c.dropConn()
		return err
	}
	c.breaker.Success()
	return nil
}

// ensureConn returns the current outbound connection, dialing (with
// backoff through the breaker) if none is established.
func (c *Client) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	existing := c.conn
	c.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	err := c.breaker.Reconnect(ctx, func(ctx context.Context) error {
		conn, dialErr := (&net.Dialer{}).DialContext(ctx, "tcp", c.endpoint)
		if dialErr != nil {
			return dialErr
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		go c.readLoop(conn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, nil
}

// readLoop demultiplexes inbound MessageFrames until the connection
// fails, at which point it is dropped so the next Publish reconnects.
func (c *Client) readLoop(conn net.Conn) {
	dec := newFrameDecoder(conn)
	for {
		var msg MessageFrame
		if err := dec.decode(&msg); err != nil {
			logging.Warn().Err(err).Msg("relay: outbound connection read failed, will reconnect")
			c.dropConnIfCurrent(conn)
			return
		}
		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(msg.Channel, msg.Payload)
		}
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) dropConnIfCurrent(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the outbound connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
