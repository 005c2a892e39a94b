package sndarray

import (
	"testing"
	"time"

	"github.com/haivision/srtgo/internal/seq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushN(a *Array, n int) {
	for i := 0; i < n; i++ {
		a.Push(seq.Number(i))
	}
}

func TestPushExtractUnique_Order(t *testing.T) {
	a := New(1500)
	pushN(a, 3)

	for i := 0; i < 3; i++ {
		slot, idx, ok := a.ExtractUnique()
		require.True(t, ok)
		assert.Equal(t, i, idx)
		assert.Equal(t, seq.Number(i), slot.Seq)
	}
	_, _, ok := a.ExtractUnique()
	assert.False(t, ok)
}

func TestPop_StopsAtBusy(t *testing.T) {
	a := New(1500)
	pushN(a, 5)
	a.IncBusy(2)

	removed := a.Pop(5)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, a.Head())
	assert.Equal(t, 3, a.Len())
}

func TestInsertLoss_MergeExampleFromSpec(t *testing.T) {
	a := New(1500)
	pushN(a, 10)

	now := time.Now()
	require.True(t, a.InsertLoss(2, 4, now.Add(time.Second)))
	require.True(t, a.InsertLoss(7, 8, now.Add(time.Second)))
	require.True(t, a.InsertLoss(3, 7, now.Add(time.Second)))

	assert.Equal(t, 2, a.FirstRexmit())
	assert.Equal(t, 2, a.LastRexmit())
	slot, ok := a.At(2)
	require.True(t, ok)
	assert.Equal(t, 7, slot.LossLength)
	assert.Equal(t, 0, slot.NextLossOffset)
	assert.Equal(t, 7, a.LossLengthCache())
}

func TestInsertLoss_DisjointRangesStayDistinct(t *testing.T) {
	a := New(1500)
	pushN(a, 10)
	now := time.Now()

	require.True(t, a.InsertLoss(2, 3, now))
	require.True(t, a.InsertLoss(6, 7, now))

	assert.Equal(t, 2, a.FirstRexmit())
	assert.Equal(t, 6, a.LastRexmit())
	assert.Equal(t, 4, a.LossLengthCache())

	head, _ := a.At(2)
	assert.Equal(t, 2, head.LossLength)
	assert.Equal(t, 4, head.NextLossOffset)
}

func TestInsertLoss_Swallow(t *testing.T) {
	a := New(1500)
	pushN(a, 10)
	now := time.Now()

	require.True(t, a.InsertLoss(2, 8, now))
	require.True(t, a.InsertLoss(4, 6, now.Add(time.Second)))

	assert.Equal(t, 2, a.FirstRexmit())
	head, _ := a.At(2)
	assert.Equal(t, 7, head.LossLength)
	assert.Equal(t, 7, a.LossLengthCache())
}

func TestRemoveLoss_SplitsStraddlingRecord(t *testing.T) {
	a := New(1500)
	pushN(a, 10)
	now := time.Now()
	require.True(t, a.InsertLoss(2, 8, now))

	a.RemoveLoss(4)

	assert.Equal(t, 5, a.FirstRexmit())
	head, _ := a.At(5)
	assert.Equal(t, 4, head.LossLength) // cells 5..8
	assert.Equal(t, 4, a.LossLengthCache())
}

func TestClearLoss_ReturnsFalseWhenAlreadyClear(t *testing.T) {
	a := New(1500)
	pushN(a, 5)
	now := time.Now()
	require.True(t, a.InsertLoss(1, 2, now))

	assert.True(t, a.ClearLoss(1))
	assert.False(t, a.ClearLoss(1))
}

func TestExtractFirstLoss_SkipsClearedDropsThemAndReturnsNegOne(t *testing.T) {
	a := New(1500)
	pushN(a, 5)
	now := time.Now()
	require.True(t, a.InsertLoss(1, 1, now))
	require.True(t, a.ClearLoss(1))

	idx := a.ExtractFirstLoss(now, time.Millisecond)
	assert.Equal(t, -1, idx)
	assert.Equal(t, -1, a.FirstRexmit())
}

func TestExtractFirstLoss_ReturnsEligibleAndShrinksRange(t *testing.T) {
	a := New(1500)
	pushN(a, 5)
	now := time.Now()
	require.True(t, a.InsertLoss(1, 3, now)) // eligible now

	idx := a.ExtractFirstLoss(now, time.Millisecond)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 2, a.FirstRexmit())
	assert.Equal(t, 2, a.LossLengthCache())
}

func TestExtractFirstLoss_NotYetDueReturnsNegOne(t *testing.T) {
	a := New(1500)
	pushN(a, 5)
	now := time.Now()
	require.True(t, a.InsertLoss(1, 1, now.Add(time.Hour)))

	idx := a.ExtractFirstLoss(now, time.Millisecond)
	assert.Equal(t, -1, idx)
	// Not dropped, still pending.
	assert.Equal(t, 1, a.FirstRexmit())
}

func TestNextLoss_Traversal(t *testing.T) {
	a := New(1500)
	pushN(a, 10)
	now := time.Now()
	require.True(t, a.InsertLoss(1, 1, now))
	require.True(t, a.InsertLoss(5, 5, now))

	assert.Equal(t, 5, a.NextLoss(1))
	assert.Equal(t, -1, a.NextLoss(5))
}
