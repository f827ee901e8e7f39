package relay

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbound-app/daemon/internal/breaker"
)

// fakeRemote is a minimal stand-in for the remote fan-out service: it
// accepts one connection and records every frame it decodes.
type fakeRemote struct {
	ln net.Listener
}

func startFakeRemote(t *testing.T) (*fakeRemote, chan outboundFrame) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan outboundFrame, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		dec := newFrameDecoder(conn)
		for {
			var f outboundFrame
			if err := dec.decode(&f); err != nil {
				return
			}
			received <- f
		}
	}()
	return &fakeRemote{ln: ln}, received
}

func TestClient_PublishSendsFrameToRemote(t *testing.T) {
	remote, received := startFakeRemote(t)
	client := NewClient(remote.ln.Addr().String(), breaker.New(), time.Second)
	t.Cleanup(func() { client.Close() })

	err := client.Publish(context.Background(), "session.created", "unbound.events", json.RawMessage(`{"id":"s1"}`))
	require.NoError(t, err)

	select {
	case frame := <-received:
		assert.Equal(t, "session.created", frame.Event)
		assert.Equal(t, "unbound.events", frame.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("remote never received the published frame")
	}
}

func TestClient_PublishWithEmptyEndpointFailsFast(t *testing.T) {
	client := NewClient("", breaker.New(), time.Second)
	err := client.Publish(context.Background(), "evt", "ch", nil)
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestClient_PublishFailsWhenRemoteUnreachable(t *testing.T) {
	client := NewClient("127.0.0.1:1", breaker.New(), 200*time.Millisecond)
	err := client.Publish(context.Background(), "evt", "ch", nil)
	assert.Error(t, err)
}

func TestClient_ReadLoopDeliversInboundMessages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			accepted <- conn
		}
	}()

	client := NewClient(ln.Addr().String(), breaker.New(), time.Second)
	t.Cleanup(func() { client.Close() })

	received := make(chan string, 1)
	client.SetOnMessage(func(channel string, payload []byte) {
		received <- channel
	})

	require.NoError(t, client.Publish(context.Background(), "evt", "ch", nil))

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("remote never accepted a connection")
	}
	t.Cleanup(func() { serverConn.Close() })

	require.NoError(t, encodeFrame(serverConn, MessageFrame{Channel: "ch1", Payload: []byte("hi")}))

	select {
	case ch := <-received:
		assert.Equal(t, "ch1", ch)
	case <-time.After(2 * time.Second):
		t.Fatal("onMessage was never invoked")
	}
}
