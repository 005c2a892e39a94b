package fec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivision/srtgo/internal/seq"
)

func pad(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestRowOnlyRebuild_SingleMissingPacket(t *testing.T) {
	cfg := Config{Cols: 5, Rows: 1, Layout: LayoutEven, PayloadSize: 8}
	base := seq.Number(100)

	payloads := map[int][]byte{
		0: pad(10, 8),
		1: pad(11, 8),
		2: pad(12, 8), // this one is "lost" on the wire
		3: pad(13, 8),
		4: pad(14, 8),
	}

	sender := NewSender(cfg, base)
	var ctrl ControlPacket
	var gotCtrl bool
	for i := 0; i < 5; i++ {
		s := seq.Inc(base, i)
		sender.FeedSource(s, payloads[i], 8, 0, 0)
		if cp, ok := sender.PackControlPacket(s); ok {
			ctrl = cp
			gotCtrl = true
		}
	}
	require.True(t, gotCtrl)

	recv := NewReceiver(cfg, base, 8192, nil)
	for i := 0; i < 5; i++ {
		if i == 2 {
			continue // simulate loss of packet 102
		}
		s := seq.Inc(base, i)
		rebuilt := recv.HangHorizontal(s, payloads[i], 8, 0, 0, false, true)
		assert.Nil(t, rebuilt)
	}

	rebuilt := recv.HangHorizontal(base, ctrl.Payload, 8, ctrl.Header.EncFlagXor, ctrl.TimestampUs, true, true)
	require.NotNil(t, rebuilt)
	assert.Equal(t, seq.Inc(base, 2), rebuilt.Seq)
	assert.Equal(t, payloads[2], rebuilt.Payload)
	assert.Equal(t, 8, rebuilt.Length)
}

func TestCheckLargeDrop_RowOnlyResetsToComputedBase(t *testing.T) {
	cfg := Config{Cols: 6, Rows: 1, Layout: LayoutEven, PayloadSize: 8}
	recv := NewReceiver(cfg, seq.Number(1000), 8192, nil)

	recv.CheckLargeDrop(seq.Number(1200))

	assert.Equal(t, seq.Number(1198), recv.rowq[0].base)
	assert.Equal(t, 1, recv.stats.LargeDropsSeen)
}

func TestEmergencyShrink_BoundsColumnQueueGrowth(t *testing.T) {
	cfg := Config{Cols: 2, Rows: 3, Layout: LayoutEven, PayloadSize: 8}
	recv := NewReceiver(cfg, seq.Number(0), 8192, nil)

	// Jump far enough ahead that satisfying colIndexFor requires many
	// series extensions in one call.
	far := seq.Number(0)
	for i := 0; i < 50; i++ {
		far = seq.Inc(far, cfg.matrixSize())
	}
	_, ok := recv.colIndexFor(far)
	require.True(t, ok)

	assert.LessOrEqual(t, len(recv.colq), cfg.Cols*(maxRcvHistory+1))
	assert.LessOrEqual(t, len(recv.rowq), cfg.rowsAbs()*(maxRcvHistory+1))
}

func TestConfigureColumns_EvenLayoutIsStraightSequential(t *testing.T) {
	cfg := Config{Cols: 4, Rows: 2, Layout: LayoutEven, PayloadSize: 8}
	cols := configureColumns(cfg, seq.Number(0))
	require.Len(t, cols, 4)
	for i, g := range cols {
		assert.Equal(t, seq.Number(i), g.base)
	}
}

func TestConfigureColumns_StaircaseShiftsDiagonally(t *testing.T) {
	// cols=4, rows=2, matching original_source/srtcore/fec.cpp's
	// ConfigureColumns diagonal stagger: offset advances by 1+cols each
	// step, except right after col%rows==rows-1, where it resets to col+1.
	cfg := Config{Cols: 4, Rows: 2, Layout: LayoutStaircase, PayloadSize: 8}
	cols := configureColumns(cfg, seq.Number(0))
	require.Len(t, cols, 4)
	assert.Equal(t, seq.Number(0), cols[0].base)
	assert.Equal(t, seq.Number(5), cols[1].base)
	assert.Equal(t, seq.Number(2), cols[2].base)
	assert.Equal(t, seq.Number(7), cols[3].base)
}

func TestCollectIrrecoverable_ReturnsNilUnderArqNever(t *testing.T) {
	cfg := Config{Cols: 6, Rows: 1, Layout: LayoutEven, Arq: ArqNever, PayloadSize: 8}
	recv := NewReceiver(cfg, seq.Number(0), 8192, nil)
	assert.Nil(t, recv.CollectIrrecoverable(seq.Number(100)))
}
