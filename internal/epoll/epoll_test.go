package epoll

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivision/srtgo/internal/xerr"
)

func TestRemoveUsock_ClearsSubscriptionAndReadiness(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	eid, err := m.Create(Options{})
	require.NoError(t, err)

	require.NoError(t, m.AddUsock(eid, 7, EventIn))
	require.NoError(t, m.UpdateEvents(7, []EID{eid}, EventIn, true))

	require.NoError(t, m.RemoveUsock(eid, 7))

	d, err := m.lookup(eid)
	require.NoError(t, err)
	_, subOk := d.subscribed[7]
	_, readyOk := d.ready[7]
	assert.False(t, subOk)
	assert.False(t, readyOk)
}

func TestWait_ReturnsOnlyWhenResultNonEmpty(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m := NewManager(fc)
	eid, err := m.Create(Options{})
	require.NoError(t, err)
	require.NoError(t, m.AddUsock(eid, 1, EventIn))

	done := make(chan struct {
		res Result
		err error
	}, 1)
	go func() {
		res, err := m.Wait(context.Background(), eid, 50*time.Millisecond)
		done <- struct {
			res Result
			err error
		}{res, err}
	}()

	// Give the waiter a chance to block, then advance the fake clock past
	// the timeout without ever marking anything ready.
	fc.BlockUntil(1)
	fc.Advance(60 * time.Millisecond)

	out := <-done
	assert.Error(t, out.err)
	assert.True(t, out.res.Empty())
	kind, ok := xerr.KindOf(out.err)
	require.True(t, ok)
	assert.Equal(t, xerr.Again, kind)
}

func TestWait_DeadlockUnsupportedOnEmptyInfiniteWait(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	eid, err := m.Create(Options{})
	require.NoError(t, err)

	_, err = m.Wait(context.Background(), eid, -1)
	require.Error(t, err)
	kind, ok := xerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xerr.NotSupported, kind)
}

func TestWait_InvalidEidReturnsInvalidArgument(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	_, err := m.Wait(context.Background(), EID(999), time.Second)
	require.Error(t, err)
	kind, ok := xerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xerr.InvalidArgument, kind)
}

func TestUwait_ClearsMatchedEntriesAfterReturn(t *testing.T) {
	m := NewManager(clockwork.NewRealClock())
	eid, err := m.Create(Options{})
	require.NoError(t, err)
	require.NoError(t, m.AddUsock(eid, 3, EventIn))
	require.NoError(t, m.UpdateEvents(3, []EID{eid}, EventIn, true))

	res, err := m.Uwait(context.Background(), eid, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, res.Read, 3)

	d, err := m.lookup(eid)
	require.NoError(t, err)
	_, readyOk := d.ready[3]
	assert.False(t, readyOk)
}

// TestEpollNotify_ConcurrentWaitWakesWithinBound exercises spec scenario #6:
// a socket subscribed on IN becomes ready via UpdateEvents while a Wait call
// is already blocked, and the waiter returns promptly rather than waiting
// out its full timeout.
func TestEpollNotify_ConcurrentWaitWakesWithinBound(t *testing.T) {
	m := NewManager(clockwork.NewRealClock())
	eid, err := m.Create(Options{})
	require.NoError(t, err)
	require.NoError(t, m.AddUsock(eid, 42, EventIn))

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		res, werr := m.Wait(context.Background(), eid, 5*time.Second)
		require.NoError(t, werr)
		done <- res
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.UpdateEvents(42, []EID{eid}, EventIn, true))

	select {
	case res := <-done:
		elapsed := time.Since(start)
		assert.Contains(t, res.Read, 42)
		assert.Less(t, elapsed, 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake after UpdateEvents")
	}
}

func TestUpdateEvents_DisableRemovesFromReadySet(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	eid, err := m.Create(Options{})
	require.NoError(t, err)
	require.NoError(t, m.AddUsock(eid, 5, EventIn))
	require.NoError(t, m.UpdateEvents(5, []EID{eid}, EventIn, true))

	d, err := m.lookup(eid)
	require.NoError(t, err)
	assert.NotEmpty(t, d.ready)

	require.NoError(t, m.UpdateEvents(5, []EID{eid}, EventIn, false))
	_, ok := d.ready[5]
	assert.False(t, ok)
}

func TestUpdateEvents_OnlySetsBitsStillSubscribed(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	eid, err := m.Create(Options{})
	require.NoError(t, err)
	require.NoError(t, m.AddUsock(eid, 9, EventIn))

	// Socket is not subscribed to OUT, so marking OUT ready must not stick.
	require.NoError(t, m.UpdateEvents(9, []EID{eid}, EventOut, true))

	d, err := m.lookup(eid)
	require.NoError(t, err)
	_, ok := d.ready[9]
	assert.False(t, ok)
}

func TestRelease_RemovesDescriptor(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	eid, err := m.Create(Options{})
	require.NoError(t, err)
	require.NoError(t, m.Release(eid))

	_, err = m.lookup(eid)
	assert.Error(t, err)
}
