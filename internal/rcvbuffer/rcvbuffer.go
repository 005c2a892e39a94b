// Package rcvbuffer implements the receive-side buffer referenced in
// spec.md §4.H: ordered/TSBPD-timed delivery to the application, fed both
// by packets off the wire and by packets FEC has rebuilt.
package rcvbuffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/haivision/srtgo/internal/fec"
	"github.com/haivision/srtgo/internal/packet"
	"github.com/haivision/srtgo/internal/seq"
)

type slot struct {
	payload  []byte
	msgFlags packet.MsgFlags
	release  time.Time
}

// Config configures a Buffer.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Latency time.Duration
	TSBPD   bool
	InitialSeq seq.Number
}

// Buffer is the receive-side packet store: a sparse map keyed by offset
// from a sliding base sequence number, advanced only as packets are
// extracted or dropped — never by acknowledgment, which only reports
// reception and must not destroy buffered data the application hasn't
// read yet.
type Buffer struct {
	mu sync.Mutex

	log     *slog.Logger
	clock   clockwork.Clock
	latency time.Duration
	tsbpd   bool

	base  seq.Number
	slots map[int]*slot
}

// New creates an empty Buffer starting at cfg.InitialSeq.
func New(cfg Config) *Buffer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := cfg.Clock
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Buffer{
		log:     log,
		clock:   c,
		latency: cfg.Latency,
		tsbpd:   cfg.TSBPD,
		base:    cfg.InitialSeq,
		slots:   make(map[int]*slot),
	}
}

func (b *Buffer) releaseTime(srcTime time.Time) time.Time {
	if !b.tsbpd || srcTime.IsZero() {
		return time.Time{}
	}
	return srcTime.Add(b.latency)
}

// Insert stores a data packet received off the wire. ok is false if the
// packet falls behind the current base (already delivered/dropped)
// or duplicates an already-buffered slot.
func (b *Buffer) Insert(s seq.Number, payload []byte, msgFlags packet.MsgFlags, srcTime time.Time) (ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertLocked(s, payload, msgFlags, srcTime)
}

func (b *Buffer) insertLocked(s seq.Number, payload []byte, msgFlags packet.MsgFlags, srcTime time.Time) bool {
	off := seq.Off(b.base, s)
	if off < 0 {
		return false
	}
	if _, dup := b.slots[off]; dup {
		return false
	}
	b.slots[off] = &slot{
		payload:  payload,
		msgFlags: msgFlags,
		release:  b.releaseTime(srcTime),
	}
	return true
}

// InsertRebuilt stores a packet FEC has reconstructed, consuming a
// fec.RebuiltPacket directly.
func (b *Buffer) InsertRebuilt(rb *fec.RebuiltPacket, srcTime time.Time) bool {
	if rb == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertLocked(rb.Seq, rb.Payload[:rb.Length], rb.MsgFlags, srcTime)
}

// ContiguousAckSeq reports the sequence number one past the longest
// contiguous run of received packets starting at base, without removing
// anything — acknowledgment tracks reception, not application delivery.
func (b *Buffer) ContiguousAckSeq() seq.Number {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := 0
	for {
		if _, ok := b.slots[off]; !ok {
			break
		}
		off++
	}
	return seq.Inc(b.base, off)
}

func (b *Buffer) popFrontLocked(n int) {
	for i := 0; i < n; i++ {
		delete(b.slots, i)
	}
	shifted := make(map[int]*slot, len(b.slots))
	for off, s := range b.slots {
		if off >= n {
			shifted[off-n] = s
		}
	}
	b.slots = shifted
	b.base = seq.Inc(b.base, n)
}

// Extract releases the next packet in stream-mode order: head-of-buffer,
// present, and (if TSBPD is enabled) due. It does not assemble messages —
// callers needing message boundaries use ExtractMsg.
func (b *Buffer) Extract(now time.Time) (payload []byte, msgFlags packet.MsgFlags, seqOut seq.Number, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	head, present := b.slots[0]
	if !present {
		return nil, 0, 0, false
	}
	if b.tsbpd && !head.release.IsZero() && head.release.After(now) {
		return nil, 0, 0, false
	}
	seqOut = b.base
	payload = head.payload
	msgFlags = head.msgFlags
	b.popFrontLocked(1)
	return payload, msgFlags, seqOut, true
}

// msgRunLocked returns the contiguous run of slot offsets [0, n) that form
// one complete message starting at offset 0, or ok=false if the message is
// not yet fully buffered (a boundary gap or a missing packet).
func (b *Buffer) msgRunLocked() (n int, lastRelease time.Time, ok bool) {
	head, present := b.slots[0]
	if !present {
		return 0, time.Time{}, false
	}
	if head.msgFlags.Boundary() == packet.BoundarySolo {
		return 1, head.release, true
	}
	if head.msgFlags.Boundary() != packet.BoundaryFirst {
		// A non-first fragment at the head with no matching First before it
		// is an orphaned fragment (its First was already dropped); callers
		// must not wait on it forever.
		return 0, time.Time{}, false
	}
	msgno := head.msgFlags.Msgno()
	for i := 1; ; i++ {
		s, present := b.slots[i]
		if !present || s.msgFlags.Msgno() != msgno {
			return 0, time.Time{}, false
		}
		if s.msgFlags.Boundary() == packet.BoundaryLast {
			return i + 1, s.release, true
		}
		if s.msgFlags.Boundary() != packet.BoundarySubsequent {
			return 0, time.Time{}, false
		}
	}
}

// ExtractMsg releases one complete message (all fragments First..Last, or
// a single Solo packet) once fully buffered and, if TSBPD is enabled, its
// final fragment's release time has been reached.
func (b *Buffer) ExtractMsg(now time.Time) (payload []byte, firstSeq seq.Number, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, lastRelease, complete := b.msgRunLocked()
	if !complete {
		return nil, 0, false
	}
	if b.tsbpd && !lastRelease.IsZero() && lastRelease.After(now) {
		return nil, 0, false
	}

	firstSeq = b.base
	var total int
	for i := 0; i < n; i++ {
		total += len(b.slots[i].payload)
	}
	payload = make([]byte, 0, total)
	for i := 0; i < n; i++ {
		payload = append(payload, b.slots[i].payload...)
	}
	b.popFrontLocked(n)
	return payload, firstSeq, true
}

// DropTooLate discards leading buffered-or-missing packets whose TSBPD
// deadline has already passed. A missing head packet is only skipped once
// the next present packet's own deadline has also passed — if that packet
// is still within its delivery window, the gap must be left alone since
// the loss might yet be recovered in time. When a gap is skipped, the
// overdue packet blocking it is dropped along with it in the same step,
// since its own deadline has equally elapsed.
func (b *Buffer) DropTooLate(now time.Time) (droppedPackets int, droppedBytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tsbpd {
		return 0, 0
	}
	for {
		off, s, found := b.firstPresentLocked()
		if !found {
			return droppedPackets, droppedBytes
		}
		if s.release.IsZero() || !s.release.Before(now) {
			return droppedPackets, droppedBytes
		}
		droppedPackets += off + 1
		droppedBytes += int64(len(s.payload))
		b.popFrontLocked(off + 1)
	}
}

func (b *Buffer) firstPresentLocked() (off int, s *slot, ok bool) {
	if len(b.slots) == 0 {
		return 0, nil, false
	}
	min := -1
	for o := range b.slots {
		if min == -1 || o < min {
			min = o
		}
	}
	return min, b.slots[min], true
}

// Size reports the number of buffered (non-gap) packets.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// Base reports the current head sequence number.
func (b *Buffer) Base() seq.Number {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base
}
