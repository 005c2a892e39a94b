// Package sndbuffer implements CSndBuffer (spec.md §4.D): packet framing,
// TTL/TSBPD bookkeeping, message numbering, and retransmission-candidate
// extraction on top of an internal/sndarray.Array.
package sndbuffer

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/haivision/srtgo/internal/packet"
	"github.com/haivision/srtgo/internal/rate"
	"github.com/haivision/srtgo/internal/seq"
	"github.com/haivision/srtgo/internal/sndarray"
	"github.com/haivision/srtgo/internal/xerr"
)

// Mode selects stream-mode vs message-mode framing (SPEC_FULL.md §7).
// Message mode takes INORDER from Ctrl.InOrder; stream mode forces INORDER
// true. In both modes the boundary bits follow each packet's position in
// the buffer being added.
type Mode int

const (
	ModeMessage Mode = iota
	ModeStream
)

// TTLInfinite marks a packet/message that never expires.
const TTLInfinite time.Duration = -1

// Ctrl is the per-addBuffer control block.
type Ctrl struct {
	Mode     Mode
	Msgno    uint32 // 0 = assign the next internal message number
	InOrder  bool   // ignored (forced true) when Mode == ModeStream
	TTL      time.Duration
	SrcTime  time.Time // zero = use now()
}

// ReadStatus is the outcome of ReadOldPacket / ExtractFirstRexmitPacket.
type ReadStatus int

const (
	ReadNone ReadStatus = iota
	ReadData
	ReadDrop
)

// DropRange is a contiguous run of sequence numbers dropped due to TTL
// expiry, reported to the wire as a DROP control message.
type DropRange struct {
	Lo, Hi seq.Number
}

// Buffer is CSndBuffer.
type Buffer struct {
	mu sync.Mutex

	log   *slog.Logger
	clock clockwork.Clock
	array *sndarray.Array

	pktPayloadSize int

	lastDataAckSeq      seq.Number
	pendingUpdateAckSeq seq.Number
	pendingValid        bool

	nextMsgno uint32

	bytesInBuffer   int64
	avgBufferSize   float64
	inputEstimator  *rate.InputEstimator
	sendEstimator   *rate.SendEstimator
	lastOriginTime  time.Time
}

// Config configures a new Buffer.
type Config struct {
	Logger         *slog.Logger
	Clock          clockwork.Clock
	PktPayloadSize int // MSS minus the 16-byte wire header
	InitialSeq     seq.Number
	FullHeaderSize int // added per packet for the input-rate Bps formula
}

// New creates an empty send buffer.
func New(cfg Config) *Buffer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PktPayloadSize <= 0 {
		cfg.PktPayloadSize = 1500 - packet.HeaderSize
	}
	return &Buffer{
		log:            cfg.Logger,
		clock:          cfg.Clock,
		array:          sndarray.New(cfg.PktPayloadSize),
		pktPayloadSize: cfg.PktPayloadSize,
		lastDataAckSeq: cfg.InitialSeq,
		nextMsgno:      1,
		inputEstimator: rate.NewInputEstimator(cfg.Clock, cfg.FullHeaderSize),
		sendEstimator:  rate.NewSendEstimator(),
	}
}

// Size returns the number of packets currently queued.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.array.Len()
}

// BytesInBuffer returns the total payload bytes currently queued.
func (b *Buffer) BytesInBuffer() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesInBuffer
}

func boundaryFor(i, n int) packet.Boundary {
	switch {
	case n == 1:
		return packet.BoundarySolo
	case i == 0:
		return packet.BoundaryFirst
	case i == n-1:
		return packet.BoundaryLast
	default:
		return packet.BoundarySubsequent
	}
}

// AddBuffer fragments data into ceil(len/pktPayloadSize) packets starting
// at seqno, returning the number of packets queued. It fails only if the
// underlying array cannot allocate; the caller is expected to have
// respected the flow-control window beforehand.
func (b *Buffer) AddBuffer(data []byte, ctrl Ctrl, seqno seq.Number) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := (len(data) + b.pktPayloadSize - 1) / b.pktPayloadSize
	if n == 0 {
		n = 1
	}

	msgno := ctrl.Msgno
	if msgno == 0 {
		msgno = b.nextMsgno
		b.nextMsgno = packet.NextMsgno(b.nextMsgno)
	}

	origin := ctrl.SrcTime
	if origin.IsZero() {
		origin = b.clock.Now()
	}

	inorder := ctrl.InOrder || ctrl.Mode == ModeStream
	ttl := ctrl.TTL

	cur := seqno
	for i := 0; i < n; i++ {
		lo := i * b.pktPayloadSize
		hi := lo + b.pktPayloadSize
		if hi > len(data) {
			hi = len(data)
		}
		payload := append([]byte(nil), data[lo:hi]...)

		flags := packet.NewMsgFlags(boundaryFor(i, n), inorder, packet.KeyNoEnc, false, msgno)

		idx := b.array.Push(cur)
		if ok := b.array.SetSlot(idx, payload, uint32(flags), ttl, origin); !ok {
			return i, xerr.Wrap(xerr.NoResource, "sndbuffer: failed to store slot for seq %d", cur)
		}
		cur = seq.Inc(cur)
	}

	b.bytesInBuffer += int64(len(data))
	b.avgBufferSize = b.avgBufferSize*0.875 + float64(b.array.Len())*0.125
	b.lastOriginTime = origin
	b.inputEstimator.Update(origin, len(data))
	b.sendEstimator.AddSample(origin, len(data))

	return n, nil
}

// AddBufferFromFile reads up to length bytes from r, framing them as
// stream-mode packets with an infinite TTL. It returns the number of
// bytes actually read.
func (b *Buffer) AddBufferFromFile(r io.Reader, length int, seqno seq.Number) (int, error) {
	buf := make([]byte, length)
	total := 0
	for total < length {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	if total == 0 {
		return 0, nil
	}
	if _, err := b.AddBuffer(buf[:total], Ctrl{Mode: ModeStream, InOrder: true, TTL: TTLInfinite}, seqno); err != nil {
		return 0, err
	}
	return total, nil
}

// ErrKeyNotReady is returned by ExtractUniquePacket when kflg is the -1
// sentinel, indicating the caller's encryption context isn't ready yet;
// extraction fails closed rather than risk sending unencrypted data that
// was meant to be keyed (spec.md §4.D).
var ErrKeyNotReady = xerr.Wrap(xerr.NotSupported, "sndbuffer: encryption key not ready")

// ExtractedPacket is the result of a successful ExtractUniquePacket call.
type ExtractedPacket struct {
	Seq      seq.Number
	Payload  []byte
	MsgFlags packet.MsgFlags
	Origin   time.Time
}

// ExtractUniquePacket returns the next unextracted slot, transparently
// skipping (and logging) any TTL-expired slots; seqnoInc counts the
// skipped slots so the caller can advance its own sequence bookkeeping.
// kflg of -1 fails closed per ErrKeyNotReady.
func (b *Buffer) ExtractUniquePacket(kflg int) (pkt ExtractedPacket, seqnoInc int, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kflg == -1 {
		return ExtractedPacket{}, 0, false, ErrKeyNotReady
	}

	now := b.clock.Now()
	for {
		slot, idx, extracted := b.array.ExtractUnique()
		if !extracted {
			return ExtractedPacket{}, seqnoInc, false, nil
		}
		if slot.TTL >= 0 && now.Sub(slot.OriginTime) > slot.TTL {
			b.log.Debug("sndbuffer: dropping TTL-expired unique packet", "seq", slot.Seq, "ttl", slot.TTL)
			b.array.SetExpired(idx)
			seqnoInc++
			continue
		}
		b.array.IncBusy(idx)
		flags := packet.MsgFlags(slot.MsgFlags)
		flags = packet.NewMsgFlags(flags.Boundary(), flags.InOrder(), packet.KeyFlag(kflg), false, flags.Msgno())
		return ExtractedPacket{Seq: slot.Seq, Payload: slot.Payload, MsgFlags: flags, Origin: slot.OriginTime}, seqnoInc, true, nil
	}
}

// msgnoRunEnd walks forward from idx while subsequent cells share the same
// msgno, returning the absolute index of the last such cell.
func (b *Buffer) msgnoRunEnd(idx int) int {
	slot, ok := b.array.At(idx)
	if !ok {
		return idx
	}
	msgno := packet.MsgFlags(slot.MsgFlags).Msgno()
	end := idx
	for {
		next, ok := b.array.At(end + 1)
		if !ok || packet.MsgFlags(next.MsgFlags).Msgno() != msgno {
			break
		}
		end++
	}
	return end
}

// ReadOldPacket reads the slot at seqNum for retransmission. If the slot's
// origin_time+TTL has elapsed it instead marks the whole message expired
// and returns a DROP range.
func (b *Buffer) ReadOldPacket(seqNum seq.Number) (payload []byte, drop DropRange, status ReadStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := seq.Off(b.lastDataAckSeq, seqNum)
	if off < 0 || off >= b.array.Len() {
		return nil, DropRange{}, ReadNone
	}
	idx := b.array.Head() + off
	slot, _ := b.array.At(idx)

	now := b.clock.Now()
	if slot.TTL >= 0 && now.Sub(slot.OriginTime) > slot.TTL {
		end := b.msgnoRunEnd(idx)
		for i := idx; i <= end; i++ {
			b.array.SetExpired(i)
		}
		endSlot, _ := b.array.At(end)
		return nil, DropRange{Lo: slot.Seq, Hi: endSlot.Seq}, ReadDrop
	}

	b.array.SetRexmitTime(idx, now)
	return slot.Payload, DropRange{}, ReadData
}

// ExtractFirstRexmitPacket repeatedly asks the array for the first
// retransmit-eligible loss, skipping (and accumulating as drops) any that
// have TTL-expired, until it finds a live one or the loss chain is
// exhausted.
func (b *Buffer) ExtractFirstRexmitPacket(minInterval time.Duration) (pkt ExtractedPacket, drops []DropRange, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	for {
		idx := b.array.ExtractFirstLoss(now, minInterval)
		if idx == -1 {
			return ExtractedPacket{}, drops, false
		}
		slot, _ := b.array.At(idx)
		if slot.TTL >= 0 && now.Sub(slot.OriginTime) > slot.TTL {
			end := b.msgnoRunEnd(idx)
			for i := idx; i <= end; i++ {
				b.array.SetExpired(i)
			}
			endSlot, _ := b.array.At(end)
			drops = append(drops, DropRange{Lo: slot.Seq, Hi: endSlot.Seq})
			continue
		}
		b.array.SetRexmitTime(idx, now)
		return ExtractedPacket{Seq: slot.Seq, Payload: slot.Payload, MsgFlags: packet.MsgFlags(slot.MsgFlags).WithRexmit(true), Origin: slot.OriginTime}, drops, true
	}
}

// ReleasePacket decrements a slot's busy refcount after the wire layer is
// done borrowing its payload, re-attempting a deferred Revoke if one is
// pending.
func (b *Buffer) ReleasePacket(seqNum seq.Number) {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := seq.Off(b.lastDataAckSeq, seqNum)
	if off < 0 || off >= b.array.Len() {
		return
	}
	b.array.DecBusy(b.array.Head() + off)

	if b.pendingValid && seq.Off(b.lastDataAckSeq, b.pendingUpdateAckSeq) > 0 {
		b.revokeLocked(b.pendingUpdateAckSeq)
	}
}

// Revoke pops acknowledged slots up to ackSeq. If a busy slot blocks full
// removal, it advances lastDataAckSeq only by what was popped and
// remembers ackSeq to retry later via ReleasePacket.
func (b *Buffer) Revoke(ackSeq seq.Number) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revokeLocked(ackSeq)
}

func (b *Buffer) revokeLocked(ackSeq seq.Number) bool {
	off := seq.Off(b.lastDataAckSeq, ackSeq)
	if off <= 0 {
		b.pendingValid = false
		return false
	}
	if off > b.array.Len() {
		off = b.array.Len()
	}

	lengths := make([]int64, 0, off)
	for i := 0; i < off; i++ {
		slot, ok := b.array.At(b.array.Head() + i)
		if !ok {
			break
		}
		lengths = append(lengths, int64(slot.Length))
	}

	removed := b.array.Pop(off)
	b.lastDataAckSeq = seq.Inc(b.lastDataAckSeq, removed)
	for i := 0; i < removed && i < len(lengths); i++ {
		b.bytesInBuffer -= lengths[i]
	}

	if removed < off {
		b.pendingUpdateAckSeq = ackSeq
		b.pendingValid = true
	} else {
		b.pendingValid = false
	}
	return removed > 0
}

// CancelLostSeq clears the loss-scheduling time for seqNum, a shortcut
// used when a retransmission is cancelled before it goes out.
func (b *Buffer) CancelLostSeq(seqNum seq.Number) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := seq.Off(b.lastDataAckSeq, seqNum)
	if off < 0 || off >= b.array.Len() {
		return false
	}
	return b.array.ClearLoss(b.array.Head() + off)
}

// InsertLoss translates the sequence range [lo,hi] into array offsets and
// installs it in the loss chain, returning the number of cells covered.
func (b *Buffer) InsertLoss(lo, hi seq.Number, tp time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	loOff := seq.Off(b.lastDataAckSeq, lo)
	hiOff := seq.Off(b.lastDataAckSeq, hi)
	if loOff < 0 || hiOff >= b.array.Len() || loOff > hiOff {
		return 0
	}
	if !b.array.InsertLoss(b.array.Head()+loOff, b.array.Head()+hiOff, tp) {
		return 0
	}
	return hiOff - loOff + 1
}

// DropLateData pops head slots whose origin_time is before tooLateTime and
// are not busy, fake-acking them forward (advancing lastDataAckSeq).
func (b *Buffer) DropLateData(tooLateTime time.Time) (count int, bytes int64, firstMsgnoRemaining uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.array.Empty() {
		slot, ok := b.array.At(b.array.Head())
		if !ok || slot.BusyRefCount > 0 || !slot.OriginTime.Before(tooLateTime) {
			break
		}
		bytes += int64(slot.Length)
		count++
		b.array.Pop(1)
	}
	if count > 0 {
		b.lastDataAckSeq = seq.Inc(b.lastDataAckSeq, count)
		b.bytesInBuffer -= bytes
	}
	if !b.array.Empty() {
		slot, _ := b.array.At(b.array.Head())
		firstMsgnoRemaining = packet.MsgFlags(slot.MsgFlags).Msgno()
	}
	return count, bytes, firstMsgnoRemaining
}

// GetBufferingDelay returns now minus the head slot's origin time, or 0 if
// the buffer is empty.
func (b *Buffer) GetBufferingDelay(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.array.Empty() {
		return 0
	}
	slot, _ := b.array.At(b.array.Head())
	return now.Sub(slot.OriginTime)
}

// InputRateBps returns the most recent input-rate estimate.
func (b *Buffer) InputRateBps() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inputEstimator.RateBps()
}

// SendRateBps returns the current send-rate sliding-window average.
func (b *Buffer) SendRateBps() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendEstimator.GetRate()
}

// LastDataAckSeq returns the sequence number one past the last
// acknowledged packet.
func (b *Buffer) LastDataAckSeq() seq.Number {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDataAckSeq
}
