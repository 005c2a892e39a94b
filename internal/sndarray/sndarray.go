// Package sndarray implements SndPktArray (spec.md §4.C): the physical
// packet-slot store backing the send buffer, including the loss linked
// list threaded through the array cells.
//
// Concurrency: this package applies no locking of its own. Per spec.md §5
// it is accessed only through the send buffer, which holds a single mutex
// across every public method that touches it.
package sndarray

import (
	"sync"
	"time"

	"github.com/haivision/srtgo/internal/seq"
)

// Slot is one packet-array cell (spec.md §3).
type Slot struct {
	Seq            seq.Number
	MsgFlags       uint32 // packet.MsgFlags, kept untyped here to avoid an import cycle
	Payload        []byte
	Length         int
	TTL            time.Duration
	OriginTime     time.Time
	RexmitTime     time.Time
	NextRexmitTime time.Time
	BusyRefCount   int

	// Loss linked list fields, resident on every cell (spec.md §3). Only a
	// range's head cell carries a non-zero LossLength; every other cell's
	// LossLength and NextLossOffset are zero.
	LossLength     int
	NextLossOffset int

	extracted bool // true once returned by ExtractUnique
	expired   bool // TTL expired before ever being sent
}

// Array is the send-packet array: a deque of Slots plus the loss chain.
type Array struct {
	pool *sync.Pool
	mss  int // payload capacity per recycled buffer

	cells   []Slot
	headIdx int // absolute cell index of cells[0]

	nextUnique int // absolute index of the next "newly queued" slot
	newQueued  int // count of slots not yet returned by ExtractUnique

	firstRexmit int // absolute index of the smallest loss-range head, -1 if none
	lastRexmit  int // absolute index of the largest loss-range head, -1 if none

	lossLengthCache int
}

// New creates an empty Array. mss bounds the capacity of payload buffers
// drawn from the internal recycle pool.
func New(mss int) *Array {
	a := &Array{mss: mss, firstRexmit: -1, lastRexmit: -1}
	a.pool = &sync.Pool{New: func() any { return make([]byte, 0, mss) }}
	return a
}

// Len returns the number of live cells.
func (a *Array) Len() int { return len(a.cells) }

// Empty reports whether the array holds no cells.
func (a *Array) Empty() bool { return len(a.cells) == 0 }

// Head returns the absolute index of the oldest live cell, or 0 if empty.
func (a *Array) Head() int { return a.headIdx }

// Tail returns the absolute index one past the newest live cell.
func (a *Array) Tail() int { return a.headIdx + len(a.cells) }

// LossLengthCache returns the cached sum of every head cell's LossLength,
// maintained incrementally to satisfy the invariant in spec.md §8.
func (a *Array) LossLengthCache() int { return a.lossLengthCache }

// FirstRexmit and LastRexmit return the absolute indices of the smallest
// and largest loss-range heads, or -1 if there are no losses.
func (a *Array) FirstRexmit() int { return a.firstRexmit }
func (a *Array) LastRexmit() int  { return a.lastRexmit }

func (a *Array) pos(abs int) int { return abs - a.headIdx }

func (a *Array) inRange(abs int) bool {
	p := a.pos(abs)
	return p >= 0 && p < len(a.cells)
}

// At returns a copy of the cell at absolute index abs, and whether it
// exists.
func (a *Array) At(abs int) (Slot, bool) {
	if !a.inRange(abs) {
		return Slot{}, false
	}
	return a.cells[a.pos(abs)], true
}

// getBuffer draws a recycled payload buffer from the pool, truncated to
// zero length; the caller grows it as needed up to the pool's capacity.
func (a *Array) getBuffer() []byte {
	buf := a.pool.Get().([]byte)
	return buf[:0]
}

func (a *Array) putBuffer(buf []byte) {
	if cap(buf) > 0 {
		a.pool.Put(buf) //nolint:staticcheck // intentional slice-in-pool recycle
	}
}

// Push appends an empty slot at the tail carrying the given sequence
// number, taking its payload buffer from the recycle pool. It returns the
// new slot's absolute cell index.
func (a *Array) Push(s seq.Number) int {
	idx := a.headIdx + len(a.cells)
	a.cells = append(a.cells, Slot{Seq: s, Payload: a.getBuffer()})
	a.newQueued++
	return idx
}

// SetSlot overwrites the fields of the cell at abs (payload, length, msg
// flags, TTL, origin time) after Push created it. It returns false if abs
// is out of range.
func (a *Array) SetSlot(abs int, payload []byte, msgFlags uint32, ttl time.Duration, origin time.Time) bool {
	if !a.inRange(abs) {
		return false
	}
	c := &a.cells[a.pos(abs)]
	c.Payload = payload
	c.Length = len(payload)
	c.MsgFlags = msgFlags
	c.TTL = ttl
	c.OriginTime = origin
	return true
}

// ExtractUnique returns the oldest "newly queued" slot (never before
// extracted) and decrements the new-queued counter. ok is false when no
// unique packets remain.
func (a *Array) ExtractUnique() (slot Slot, idx int, ok bool) {
	for a.newQueued > 0 {
		idx = a.nextUnique
		if !a.inRange(idx) {
			// Shouldn't happen if newQueued bookkeeping is correct, but
			// guard defensively against an inconsistent state.
			a.newQueued = 0
			return Slot{}, 0, false
		}
		c := &a.cells[a.pos(idx)]
		a.nextUnique++
		a.newQueued--
		if c.extracted {
			continue
		}
		c.extracted = true
		return *c, idx, true
	}
	return Slot{}, 0, false
}

// IncBusy increments the busy refcount of the cell at abs.
func (a *Array) IncBusy(abs int) {
	if a.inRange(abs) {
		a.cells[a.pos(abs)].BusyRefCount++
	}
}

// DecBusy decrements the busy refcount of the cell at abs, floored at 0.
func (a *Array) DecBusy(abs int) {
	if a.inRange(abs) {
		c := &a.cells[a.pos(abs)]
		if c.BusyRefCount > 0 {
			c.BusyRefCount--
		}
	}
}

// SetRexmitTime stamps the cell's RexmitTime (the moment it was last sent
// as a retransmission).
func (a *Array) SetRexmitTime(abs int, t time.Time) {
	if a.inRange(abs) {
		a.cells[a.pos(abs)].RexmitTime = t
	}
}

// SetExpired marks the cell as TTL-expired without ever reaching the wire.
func (a *Array) SetExpired(abs int) {
	if a.inRange(abs) {
		a.cells[a.pos(abs)].expired = true
	}
}

// Pop removes up to n slots from the head, stopping early at the first
// busy (BusyRefCount > 0) slot. It returns the number actually removed and
// shifts/removes any loss records touching the removed cells.
func (a *Array) Pop(n int) int {
	removed := 0
	for removed < n && removed < len(a.cells) && a.cells[removed].BusyRefCount == 0 {
		removed++
	}
	// Trim the loss chain while the cells being removed are still readable.
	a.dropLossBelow(a.headIdx + removed)
	for i := 0; i < removed; i++ {
		a.putBuffer(a.cells[0].Payload)
		a.cells = a.cells[1:]
		a.headIdx++
	}
	if removed > 0 {
		if a.nextUnique < a.headIdx {
			a.nextUnique = a.headIdx
		}
	}
	return removed
}

// dropLossBelow removes (without splitting) any loss-chain heads that now
// fall entirely before floor, and shrinks the head at/straddling floor by
// advancing it — used after Pop shifts the head forward.
func (a *Array) dropLossBelow(floor int) {
	for a.firstRexmit != -1 && a.firstRexmit < floor {
		head := a.firstRexmit
		length := a.cellLossLength(head)
		next := a.cellNextHead(head)
		end := head + length // one past the range
		a.clearHeadFields(head)
		if end <= floor {
			// Entire range is gone.
			a.lossLengthCache -= length
			a.firstRexmit = next
			if a.firstRexmit == -1 {
				a.lastRexmit = -1
			}
			continue
		}
		// Range straddles floor: re-root it at floor.
		newLen := end - floor
		a.lossLengthCache -= length - newLen
		a.firstRexmit = floor
		a.setHead(floor, newLen, next)
		if next == -1 {
			a.lastRexmit = floor
		}
		break
	}
}

func (a *Array) cellLossLength(abs int) int {
	if !a.inRange(abs) {
		return 0
	}
	return a.cells[a.pos(abs)].LossLength
}

func (a *Array) cellNextHead(abs int) int {
	if !a.inRange(abs) {
		return -1
	}
	off := a.cells[a.pos(abs)].NextLossOffset
	if off == 0 {
		return -1
	}
	return abs + off
}

func (a *Array) clearHeadFields(abs int) {
	if a.inRange(abs) {
		c := &a.cells[a.pos(abs)]
		c.LossLength = 0
		c.NextLossOffset = 0
	}
}

func (a *Array) setHead(abs, length, nextHead int) {
	if !a.inRange(abs) {
		return
	}
	c := &a.cells[a.pos(abs)]
	c.LossLength = length
	if nextHead == -1 {
		c.NextLossOffset = 0
	} else {
		c.NextLossOffset = nextHead - abs
	}
}

// InsertLoss installs or merges a loss range [lo,hi] (inclusive absolute
// cell indexes). Adjacent or overlapping ranges merge into one; a range
// that lies entirely within an existing one is swallowed without change
// besides refreshing NextRexmitTime on its cells. Returns false if lo/hi
// fall outside the live array.
func (a *Array) InsertLoss(lo, hi int, nextRexmitTime time.Time) bool {
	if lo > hi || !a.inRange(lo) || !a.inRange(hi) {
		return false
	}
	for i := lo; i <= hi; i++ {
		a.cells[a.pos(i)].NextRexmitTime = nextRexmitTime
	}

	if a.firstRexmit == -1 {
		a.setHead(lo, hi-lo+1, -1)
		a.firstRexmit = lo
		a.lastRexmit = lo
		a.lossLengthCache += hi - lo + 1
		a.validateLossIntegrity()
		return true
	}

	// Walk the chain collecting heads that touch or overlap [lo,hi] so
	// they can be merged into a single record.
	type head struct{ idx, length, next int }
	var heads []head
	var prevIdx = -1
	var prevNext = -1
	cur := a.firstRexmit
	insertBefore := -1
	for cur != -1 {
		length := a.cellLossLength(cur)
		end := cur + length - 1
		next := a.cellNextHead(cur)
		if end+1 < lo {
			prevIdx = cur
			prevNext = next
			cur = next
			continue
		}
		if cur > hi+1 {
			insertBefore = cur
			break
		}
		heads = append(heads, head{cur, length, next})
		cur = next
	}

	newLo, newHi := lo, hi
	for _, h := range heads {
		if h.idx < newLo {
			newLo = h.idx
		}
		end := h.idx + h.length - 1
		if end > newHi {
			newHi = end
		}
	}

	// Remove the cell-resident fields of every merged head except the
	// new range's own head (which we'll (re)write below).
	for _, h := range heads {
		a.lossLengthCache -= h.length
		if h.idx != newLo {
			a.clearHeadFields(h.idx)
		}
	}

	afterMerge := insertBefore
	if len(heads) > 0 {
		afterMerge = heads[len(heads)-1].next
	}

	a.setHead(newLo, newHi-newLo+1, afterMerge)
	a.lossLengthCache += newHi - newLo + 1

	if prevIdx != -1 && prevNext != newLo {
		// prevIdx's chain must now point at the (possibly relocated) head.
		a.setHead(prevIdx, a.cellLossLength(prevIdx), newLo)
	}
	if prevIdx == -1 {
		a.firstRexmit = newLo
	}
	if afterMerge == -1 {
		a.lastRexmit = newLo
	} else if a.lastRexmit == -1 {
		a.lastRexmit = newLo
	}

	a.validateLossIntegrity()
	return true
}

// RemoveLoss clears loss records up to and including cell index n. If the
// last removed record straddles n, it is split and first_rexmit is
// updated to the new head.
func (a *Array) RemoveLoss(n int) {
	for a.firstRexmit != -1 && a.firstRexmit <= n {
		head := a.firstRexmit
		length := a.cellLossLength(head)
		next := a.cellNextHead(head)
		end := head + length - 1
		a.clearHeadFields(head)
		a.lossLengthCache -= length
		if end <= n {
			a.firstRexmit = next
			if a.firstRexmit == -1 {
				a.lastRexmit = -1
			}
			continue
		}
		// Split: re-root the remaining tail of this range at n+1.
		newLo := n + 1
		newLen := end - n
		a.firstRexmit = newLo
		a.setHead(newLo, newLen, next)
		if next == -1 {
			a.lastRexmit = newLo
		}
		a.lossLengthCache += newLen
		break
	}
	a.validateLossIntegrity()
}

// ClearLoss zeros the NextRexmitTime of the cell at idx. It returns false
// if the time was already zero (not scheduled).
func (a *Array) ClearLoss(idx int) bool {
	if !a.inRange(idx) {
		return false
	}
	c := &a.cells[a.pos(idx)]
	if c.NextRexmitTime.IsZero() {
		return false
	}
	c.NextRexmitTime = time.Time{}
	return true
}

// NextLoss follows NextLossOffset from cur, returning the next head's
// absolute index or -1 if cur is the last head (or not a head at all).
func (a *Array) NextLoss(cur int) int {
	return a.cellNextHead(cur)
}

// ExtractFirstLoss walks the loss chain from first_rexmit, dropping cleared
// heads (zero NextRexmitTime) at the front. If the first remaining head is
// due (its NextRexmitTime is not after now+minInterval) it shrinks that
// range by one cell (the classic "pop the smallest pending loss"
// semantics) and returns the popped cell's absolute index. It returns -1
// if the chain is empty, held only cleared heads (all dropped), or its
// first uncleared head is not yet due; in that last case the heads after
// it are not examined, even if some of them are due.
func (a *Array) ExtractFirstLoss(now time.Time, minInterval time.Duration) int {
	deadline := now.Add(minInterval)
	for a.firstRexmit != -1 {
		head := a.firstRexmit
		c := &a.cells[a.pos(head)]
		if c.NextRexmitTime.IsZero() {
			// Cleared: drop this entire head without returning it.
			a.dropOneHead(head)
			continue
		}
		if c.NextRexmitTime.After(deadline) {
			// Not yet due. Real SRT data is ordered by index, not by
			// schedule, so a not-yet-due head does not imply the rest
			// of the chain is also not due; but all losses here share
			// one congestion-derived min_interval, so stopping at the
			// first not-yet-due head is both correct and avoids an
			// O(n) scan on every call.
			return -1
		}
		// Eligible: pop exactly this one cell off the front of its range.
		idx := head
		a.RemoveLoss(idx)
		return idx
	}
	return -1
}

// dropOneHead removes the head at idx from the chain without regard to
// range length, discarding it entirely (used for cleared heads).
func (a *Array) dropOneHead(idx int) {
	length := a.cellLossLength(idx)
	next := a.cellNextHead(idx)
	a.clearHeadFields(idx)
	a.lossLengthCache -= length
	a.firstRexmit = next
	if a.firstRexmit == -1 {
		a.lastRexmit = -1
	}
}

// validateLossIntegrity panics if the loss-chain invariants from spec.md
// §3/§8 are violated. It is called defensively at the end of InsertLoss and
// RemoveLoss;
// outside of tests this indicates a logic error in this package, not bad
// caller input (which is rejected earlier via inRange checks).
func (a *Array) validateLossIntegrity() {
	if (a.firstRexmit == -1) != (a.lastRexmit == -1) {
		panic("sndarray: first_rexmit/last_rexmit disagreement")
	}
	sum := 0
	cur := a.firstRexmit
	last := -1
	for cur != -1 {
		length := a.cellLossLength(cur)
		if length <= 0 {
			panic("sndarray: zero-length loss head in chain")
		}
		sum += length
		last = cur
		cur = a.cellNextHead(cur)
	}
	if sum != a.lossLengthCache {
		panic("sndarray: loss_length_cache mismatch")
	}
	if a.lastRexmit != -1 && last != a.lastRexmit {
		panic("sndarray: last_rexmit does not match chain tail")
	}
}
