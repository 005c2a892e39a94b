package rate

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestInputEstimator_FastStartThenRunning(t *testing.T) {
	fc := clockwork.NewFakeClock()
	e := NewInputEstimator(fc, 28)

	start := fc.Now()
	e.Update(start, 1000)
	e.Update(start.Add(100*time.Millisecond), 1000)
	assert.Equal(t, 0.0, e.RateBps(), "no recalculation before the fast-start window elapses")

	e.Update(start.Add(600*time.Millisecond), 1000)
	assert.Greater(t, e.RateBps(), 0.0)
}

func TestInputEstimator_IgnoresSamplesBeforeStart(t *testing.T) {
	fc := clockwork.NewFakeClock()
	e := NewInputEstimator(fc, 28)
	start := fc.Now()

	e.Update(start.Add(-time.Second), 99999)
	assert.Equal(t, 0, e.pkts)
}

func TestInputEstimator_EarlyRecalcOnPacketBurst(t *testing.T) {
	fc := clockwork.NewFakeClock()
	e := NewInputEstimator(fc, 28)
	start := fc.Now()

	for i := 0; i < MaxPackets+2; i++ {
		e.Update(start.Add(time.Duration(i)*time.Microsecond), 100)
	}
	assert.Greater(t, e.RateBps(), 0.0)
}

func TestSendEstimator_CleansUpElapsedBuckets(t *testing.T) {
	e := NewSendEstimator()
	base := time.UnixMilli(1_000_000)

	e.AddSample(base, 1500)
	assert.Greater(t, e.GetRate(), 0.0)

	// Jump far enough that every bucket should be stale.
	e.AddSample(base.Add(time.Duration(NumPeriods*SampleDurationMs+1)*time.Millisecond), 1500)
	// Only the single fresh bucket should count now.
	rate := e.GetRate()
	expected := float64(1500) / (float64(SampleDurationMs) / 1000.0)
	assert.InDelta(t, expected, rate, 1.0)
}

func TestSendEstimator_AveragesFullBuckets(t *testing.T) {
	e := NewSendEstimator()
	base := time.UnixMilli(2_000_000)
	e.AddSample(base, 1000)
	e.AddSample(base.Add(SampleDurationMs*time.Millisecond), 1000)

	rate := e.GetRate()
	assert.Greater(t, rate, 0.0)
}
