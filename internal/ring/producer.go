package ring

import (
	"encoding/binary"
	"sync/atomic"
)

// Producer is the single writer for one session's ring. The spec
// requires exactly one producer per session; callers enforce that at
// the session-engine layer (§3 Ownership), not here.
type Producer struct {
	r    *Ring
	mask uint32
}

// NewProducer wraps r for single-writer use.
func NewProducer(r *Ring) *Producer {
	return &Producer{r: r, mask: r.slotCount - 1}
}

// Write appends one event, following §4.2's producer protocol:
// compute the slot, write payload and header (all but sequence), then
// release-store sequence and acquire-store the incremented write_seq.
// Producers never block; on wraparound the oldest unread slot is
// silently overwritten and the consumer discovers this via a sequence
// mismatch.
func (p *Producer) Write(sessionID string, eventType EventType, payload []byte) {
	writeSeq := atomic.LoadUint64(p.r.writeSeqPtr())
	slot := uint32(writeSeq) & p.mask
	off := p.r.slotOffset(slot)

	capacity := p.r.SlotCapacity()
	truncated := false
	if len(payload) > capacity {
		payload = payload[:capacity]
		truncated = true
	}

	binary.LittleEndian.PutUint32(p.r.mem[off:off+4], uint32(len(payload)))
	p.r.mem[off+4] = byte(eventType)
	var flags uint8
	if truncated {
		flags |= slotFlagTruncated
	}
	p.r.mem[off+5] = flags
	// off+6, off+7 reserved

	sessionBytes := off + 16
	n := copy(p.r.mem[sessionBytes:sessionBytes+36], sessionID)
	for i := n; i < 36; i++ {
		p.r.mem[sessionBytes+i] = 0
	}

	payloadOff := off + slotHeaderSize
	copy(p.r.mem[payloadOff:payloadOff+capacity], payload)

	atomic.StoreInt64(p.r.slotSequencePtr(slot), int64(writeSeq)) // release
	atomic.StoreUint64(p.r.writeSeqPtr(), writeSeq+1)             // acquire (publish)
}

// Shutdown sets the shutdown flag so attached consumers can detect
// the producer has gone away.
func (p *Producer) Shutdown() {
	for {
		old := atomic.LoadUint32(p.r.flagsPtr())
		if old&flagShutdown != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(p.r.flagsPtr(), old, old|flagShutdown) {
			return
		}
	}
}
