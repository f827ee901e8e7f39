package ring

import (
	"encoding/binary"
	"strings"
	"sync/atomic"
)

// Event is one slot's contents, copied out of shared memory.
type Event struct {
	Sequence  int64
	Type      EventType
	Truncated bool
	SessionID string
	Payload   []byte
}

// Consumer reads a Ring with an independent cursor. Multiple
// consumers may attach to the same Ring concurrently; each tracks its
// own readSeq locally (the header's ReadSeq field is advisory only,
// per §4.2, and is not required for correctness).
type Consumer struct {
	r       *Ring
	mask    uint32
	readSeq uint64
}

// NewConsumer attaches a fresh cursor starting at the ring's current
// write position, i.e. it sees only events produced after attach.
func NewConsumer(r *Ring) *Consumer {
	return &Consumer{r: r, mask: r.slotCount - 1, readSeq: atomic.LoadUint64(r.writeSeqPtr())}
}

// Gap is returned by Next when the consumer fell behind and the
// producer overwrote unread slots.
type Gap struct {
	Skipped uint64
}

func (g *Gap) Error() string {
	return "ring: consumer gap"
}

// Next returns the next event, following §4.2's consumer protocol. It
// returns (nil, nil, false) when there is no new data yet, (event,
// nil, true) on success, and (nil, *Gap, true) when a gap was
// detected and the cursor has been resynced to write_seq.
func (c *Consumer) Next() (*Event, *Gap, bool) {
	writeSeq := atomic.LoadUint64(c.r.writeSeqPtr())
	if c.readSeq == writeSeq {
		return nil, nil, false
	}

	slot := uint32(c.readSeq) & c.mask
	seq := atomic.LoadInt64(c.r.slotSequencePtr(slot))
	if seq != int64(c.readSeq) {
		skipped := writeSeq - c.readSeq
		c.readSeq = writeSeq
		return nil, &Gap{Skipped: skipped}, true
	}

	off := c.r.slotOffset(slot)
	length := binary.LittleEndian.Uint32(c.r.mem[off : off+4])
	eventType := EventType(c.r.mem[off+4])
	flags := c.r.mem[off+5]
	sessionBytes := c.r.mem[off+16 : off+16+36]
	sessionID := strings.TrimRight(string(sessionBytes), "\x00")

	payloadOff := off + slotHeaderSize
	payload := make([]byte, length)
	copy(payload, c.r.mem[payloadOff:payloadOff+int(length)])

	// Re-check sequence after the copy: if the producer lapped us
	// mid-read the data we just copied may be torn. A mismatch here
	// is reported as a gap rather than returned as a (possibly
	// corrupt) event.
	if atomic.LoadInt64(c.r.slotSequencePtr(slot)) != int64(c.readSeq) {
		writeSeq = atomic.LoadUint64(c.r.writeSeqPtr())
		skipped := writeSeq - c.readSeq
		c.readSeq = writeSeq
		return nil, &Gap{Skipped: skipped}, true
	}

	c.readSeq++
	return &Event{
		Sequence:  int64(seq),
		Type:      eventType,
		Truncated: flags&slotFlagTruncated != 0,
		SessionID: sessionID,
		Payload:   payload,
	}, nil, true
}

// Cursor returns the consumer's current read sequence, for diagnostics.
func (c *Consumer) Cursor() uint64 {
	return c.readSeq
}
