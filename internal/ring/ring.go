// Package ring implements the shared-memory event ring (§4.2): a
// single-producer/multi-consumer lock-free ring living in a POSIX
// shared-memory segment under /dev/shm, used as a low-latency bypass
// for events that C1 subscribers can also receive over the socket.
package ring

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magic   uint32 = 0x53424e55 // "UNBS" little-endian
	version uint32 = 1

	headerSize     = 64
	slotHeaderSize = 56

	flagReady    uint32 = 1 << 0
	flagShutdown uint32 = 1 << 1

	slotFlagTruncated uint8 = 1 << 1
)

// EventType is the u8 enum carried in each slot header.
type EventType uint8

const (
	EventLLM              EventType = 1
	EventTerminalOutput    EventType = 2
	EventTerminalFinished  EventType = 3
	EventStreamingChunk    EventType = 4
	EventPing              EventType = 5
)

// Name derives the shared-memory segment name for a session: a
// 3-character vendor tag followed by the first 8 characters of the
// session id, per §6.
func Name(vendorTag, sessionID string) (string, error) {
	if len(vendorTag) != 3 {
		return "", fmt.Errorf("ring: vendor tag must be exactly 3 characters, got %q", vendorTag)
	}
	if len(sessionID) < 8 {
		return "", fmt.Errorf("ring: session id too short: %q", sessionID)
	}
	return vendorTag + sessionID[:8], nil
}

// header mirrors the 64-byte little-endian header laid over the
// start of the mapped region. Fields accessed concurrently (write_seq,
// read_seq, flags) go through atomic helpers operating on raw offsets
// rather than this struct directly, since Go does not let us take
// &header.WriteSeq from an mmap'd byte slice safely across platforms;
// see writeSeqPtr/readSeqPtr/flagsPtr.
type header struct {
	Magic      uint32
	Version    uint32
	WriteSeq   uint64
	ReadSeq    uint64
	Flags      uint32
	SlotSize   uint32
	SlotCount  uint32
	WakeFutex  uint32
	_          [16]byte
}

// Ring wraps one mmap'd shared-memory region: a header plus
// slot_count fixed-size slots. Exactly one Producer (per session)
// writes; any number of Consumers read with independent cursors.
type Ring struct {
	name string
	fd   int
	mem  []byte

	slotSize  uint32
	slotCount uint32
}

// Create allocates (or truncates) the named shared-memory segment and
// lays out a fresh header plus slotCount slots of slotSize bytes.
// slotCount must be a power of two.
func Create(name string, slotCount, slotSize uint32) (*Ring, error) {
	if slotCount == 0 || slotCount&(slotCount-1) != 0 {
		return nil, fmt.Errorf("ring: slot_count must be a power of two, got %d", slotCount)
	}

	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", path, err)
	}

	total := int64(headerSize) + int64(slotCount)*int64(slotSize)
	if err := unix.Ftruncate(fd, total); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: truncate: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	r := &Ring{name: name, fd: fd, mem: mem, slotSize: slotSize, slotCount: slotCount}
	r.initHeader()
	return r, nil
}

// Open attaches to an existing segment created by another process
// (typically the session's producer). Consumers that fail to open
// should assume the session is offline or legacy-socket-only (§4.2
// Lifecycle).
func Open(name string) (*Ring, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: stat: %w", err)
	}
	if st.Size < headerSize {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: segment %s too small to hold a header", name)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	r := &Ring{name: name, fd: fd, mem: mem}
	if binary.LittleEndian.Uint32(mem[0:4]) != magic {
		r.Close()
		return nil, fmt.Errorf("ring: bad magic in segment %s", name)
	}
	r.slotSize = binary.LittleEndian.Uint32(mem[28:32])
	r.slotCount = binary.LittleEndian.Uint32(mem[32:36])
	return r, nil
}

func shmPath(name string) string {
	return "/dev/shm/" + name
}

func (r *Ring) initHeader() {
	binary.LittleEndian.PutUint32(r.mem[0:4], magic)
	binary.LittleEndian.PutUint32(r.mem[4:8], version)
	atomic.StoreUint64(r.writeSeqPtr(), 0)
	atomic.StoreUint64(r.readSeqPtr(), 0)
	atomic.StoreUint32(r.flagsPtr(), flagReady)
	binary.LittleEndian.PutUint32(r.mem[28:32], r.slotSize)
	binary.LittleEndian.PutUint32(r.mem[32:36], r.slotCount)
}

func (r *Ring) writeSeqPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[8]))
}

func (r *Ring) readSeqPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[16]))
}

func (r *Ring) flagsPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[24]))
}

func (r *Ring) slotOffset(index uint32) int {
	return headerSize + int(index)*int(r.slotSize)
}

func (r *Ring) slotSequencePtr(index uint32) *int64 {
	off := r.slotOffset(index) + 8 // len(4) + event_type(1) + flags(1) + reserved(2)
	return (*int64)(unsafe.Pointer(&r.mem[off]))
}

// Close unmaps and closes the segment's file descriptor. It does not
// remove the /dev/shm entry; call Unlink for that (only the producer
// should unlink, on session shutdown per §4.2 Lifecycle).
func (r *Ring) Close() error {
	if r.mem != nil {
		_ = unix.Munmap(r.mem)
		r.mem = nil
	}
	return unix.Close(r.fd)
}

// Unlink removes the named segment from /dev/shm. Only the owning
// producer should call this, on session shutdown.
func Unlink(name string) error {
	err := os.Remove(shmPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SlotCapacity is the number of payload bytes available per slot.
func (r *Ring) SlotCapacity() int {
	return int(r.slotSize) - slotHeaderSize
}
