package rcvbuffer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivision/srtgo/internal/fec"
	"github.com/haivision/srtgo/internal/packet"
	"github.com/haivision/srtgo/internal/seq"
)

func newTestBuffer(fc clockwork.Clock, tsbpd bool) *Buffer {
	return New(Config{
		Clock:      fc,
		Latency:    100 * time.Millisecond,
		TSBPD:      tsbpd,
		InitialSeq: seq.Number(0),
	})
}

func soloFlags() packet.MsgFlags {
	return packet.NewMsgFlags(packet.BoundarySolo, true, packet.KeyNoEnc, false, 1)
}

func TestInsert_RejectsDuplicateAndBehindBase(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, false)

	require.True(t, b.Insert(seq.Number(0), []byte("a"), soloFlags(), time.Time{}))
	assert.False(t, b.Insert(seq.Number(0), []byte("a"), soloFlags(), time.Time{}))

	_, _, _, ok := b.Extract(fc.Now())
	require.True(t, ok)
	assert.False(t, b.Insert(seq.Number(0), []byte("a"), soloFlags(), time.Time{}))
}

func TestExtract_WaitsForTSBPDReleaseTime(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, true)

	start := fc.Now()
	require.True(t, b.Insert(seq.Number(0), []byte("x"), soloFlags(), start))

	_, _, _, ok := b.Extract(fc.Now())
	assert.False(t, ok, "release time not yet reached")

	fc.Advance(150 * time.Millisecond)
	payload, _, s, ok := b.Extract(fc.Now())
	require.True(t, ok)
	assert.Equal(t, []byte("x"), payload)
	assert.Equal(t, seq.Number(0), s)
}

func TestExtractMsg_AssemblesFirstMiddleLast(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, false)

	first := packet.NewMsgFlags(packet.BoundaryFirst, true, packet.KeyNoEnc, false, 5)
	mid := packet.NewMsgFlags(packet.BoundarySubsequent, true, packet.KeyNoEnc, false, 5)
	last := packet.NewMsgFlags(packet.BoundaryLast, true, packet.KeyNoEnc, false, 5)

	require.True(t, b.Insert(seq.Number(0), []byte("ab"), first, time.Time{}))
	require.True(t, b.Insert(seq.Number(2), []byte("ef"), last, time.Time{}))

	_, _, ok := b.ExtractMsg(fc.Now())
	assert.False(t, ok, "middle fragment still missing")

	require.True(t, b.Insert(seq.Number(1), []byte("cd"), mid, time.Time{}))

	payload, firstSeq, ok := b.ExtractMsg(fc.Now())
	require.True(t, ok)
	assert.Equal(t, []byte("abcdef"), payload)
	assert.Equal(t, seq.Number(0), firstSeq)
	assert.Equal(t, 0, b.Size())
}

func TestContiguousAckSeq_DoesNotRemoveData(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, false)

	require.True(t, b.Insert(seq.Number(0), []byte("a"), soloFlags(), time.Time{}))
	require.True(t, b.Insert(seq.Number(1), []byte("b"), soloFlags(), time.Time{}))
	// Leave a gap at 2, then a packet at 3.
	require.True(t, b.Insert(seq.Number(3), []byte("d"), soloFlags(), time.Time{}))

	ack := b.ContiguousAckSeq()
	assert.Equal(t, seq.Number(2), ack)
	assert.Equal(t, 3, b.Size(), "ack must not consume buffered data")
}

func TestDropTooLate_SkipsGapAndOverduePacketTogether(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, true)

	start := fc.Now()
	// Gap at seq 0; packet at seq 1 with an already-due release time.
	require.True(t, b.Insert(seq.Number(1), []byte("b"), soloFlags(), start))

	fc.Advance(150 * time.Millisecond)
	dropped, bytes := b.DropTooLate(fc.Now())
	assert.Equal(t, 2, dropped, "the gap at seq 0 plus the now-overdue packet at seq 1")
	assert.Equal(t, int64(len("b")), bytes)
	assert.Equal(t, seq.Number(2), b.Base())
}

func TestDropTooLate_LeavesGapAloneWhileNextPacketStillDue(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, true)

	start := fc.Now()
	require.True(t, b.Insert(seq.Number(1), []byte("b"), soloFlags(), start))

	dropped, bytes := b.DropTooLate(fc.Now())
	assert.Equal(t, 0, dropped)
	assert.Equal(t, int64(0), bytes)
	assert.Equal(t, seq.Number(0), b.Base())
}

func TestDropTooLate_DropsOverdueHeadPacket(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, true)

	start := fc.Now()
	require.True(t, b.Insert(seq.Number(0), []byte("stale"), soloFlags(), start))

	fc.Advance(150 * time.Millisecond)
	dropped, bytes := b.DropTooLate(fc.Now())
	assert.Equal(t, 1, dropped)
	assert.Equal(t, int64(len("stale")), bytes)
}

func TestInsertRebuilt_ConsumesFECRebuiltPacket(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := newTestBuffer(fc, false)

	rb := &fec.RebuiltPacket{
		Seq:      seq.Number(0),
		Payload:  []byte("rebuilt!"),
		Length:   8,
		MsgFlags: soloFlags(),
	}
	require.True(t, b.InsertRebuilt(rb, time.Time{}))

	payload, _, s, ok := b.Extract(fc.Now())
	require.True(t, ok)
	assert.Equal(t, []byte("rebuilt!"), payload)
	assert.Equal(t, seq.Number(0), s)
}
