// Package relay implements the remote publish relay (C4): a second
// local Unix socket that accepts length-prefixed side-effect frames
// and forwards them to a remote fan-out service, guarded by the
// connection supervisor's circuit breaker.
package relay

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/oklog/ulid/v2"
)

// maxFrameSize bounds a single frame body; anything larger is treated
// as a corrupt length prefix and triggers resync.
const maxFrameSize = 10 * 1024 * 1024

// AckStatus is the outcome carried by a PublishAckFrame.
type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailed  AckStatus = "failed"
)

// Frame types recognised on the relay socket in addition to a bare
// publish (§4.4 Additional operations). A frame whose Type is none of
// these is a side-effect to publish.
const (
	OpPublishAck  = "publish.ack.v1"
	OpSubscribe   = "subscribe.v1"
	OpUnsubscribe = "unsubscribe.v1"
)

// SideEffectFrame is one side effect the daemon wants published to
// the remote fan-out service, or (when Type is one of the Op
// constants) a control frame for the ack/subscribe surface.
type SideEffectFrame struct {
	EffectID  ulid.ULID       `json:"effect_id"`
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PublishAckFrame answers a SideEffectFrame by EffectID.
type PublishAckFrame struct {
	EffectID ulid.ULID `json:"effect_id"`
	Status   AckStatus `json:"status"`
	Error    string    `json:"error,omitempty"`
}

// MessageFrame delivers one inbound message from a subscribed remote
// channel; Payload is base64 text per §4.4 (encoding/json marshals a
// plain []byte as base64, whereas a json.RawMessage would be embedded
// verbatim, so Payload is typed as []byte here).
type MessageFrame struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload"`
}

// frameDecoder decodes length-prefixed JSON frames from a stream. A
// frame that fails to parse — corrupt length, truncated body, invalid
// JSON — does not desynchronise the stream: decode advances by one
// byte and retries until a valid frame is found (§4.4 Framing).
type frameDecoder struct {
	r   io.Reader
	buf []byte
}

func newFrameDecoder(r io.Reader) *frameDecoder {
	return &frameDecoder{r: r}
}

// decode reads the next valid frame into v.
func (d *frameDecoder) decode(v any) error {
	for {
		if err := d.fill(4); err != nil {
			return err
		}
		length := int(binary.LittleEndian.Uint32(d.buf[:4]))
		if length <= 0 || length > maxFrameSize {
			d.resync()
			continue
		}
		if err := d.fill(4 + length); err != nil {
			// The stream ended before the claimed body arrived: treat
			// the prefix as corrupt and resync over what is buffered.
			if err == io.EOF && len(d.buf) > 4 {
				d.resync()
				continue
			}
			return err
		}
		body := d.buf[4 : 4+length]
		if err := json.Unmarshal(body, v); err != nil {
			d.resync()
			continue
		}
		d.buf = d.buf[4+length:]
		return nil
	}
}

// fill ensures the buffer holds at least n bytes, reading from the
// underlying stream as needed.
func (d *frameDecoder) fill(n int) error {
	for len(d.buf) < n {
		chunk := make([]byte, 4096)
		m, err := d.r.Read(chunk)
		if m > 0 {
			d.buf = append(d.buf, chunk[:m]...)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// resync drops one byte and retries the next length prefix, per the
// Framing contract's "advance one byte and retry".
func (d *frameDecoder) resync() {
	if len(d.buf) > 0 {
		d.buf = d.buf[1:]
	}
}

// encodeFrame marshals v and writes it length-prefixed to w.
func encodeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
