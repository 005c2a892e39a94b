// Package rate implements the input-rate and send-rate estimators from
// spec.md §4.E.
package rate

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// FastStartUs is the fast-start sampling window duration (500ms).
	FastStartUs = 500_000
	// RunningUs is the steady-state sampling window duration (1s), used
	// once the fast-start window has produced its first estimate.
	RunningUs = 1_000_000
	// MaxPackets triggers an early recalculation during fast-start if more
	// than this many packets accumulate before the window elapses.
	MaxPackets = 2000
)

// InputEstimator implements the windowed-Bps input-rate estimator: a
// fast-start window followed by a running window, per spec.md §4.E.
type InputEstimator struct {
	clock clockwork.Clock

	fullHeaderSize int
	startTime      time.Time
	pkts           int
	bytes          int64

	running bool // true once the first fast-start window has completed
	rateBps float64
}

// NewInputEstimator creates an estimator; fullHeaderSize is added per
// packet to bytes (UDP + protocol header overhead) per the Bps formula.
func NewInputEstimator(c clockwork.Clock, fullHeaderSize int) *InputEstimator {
	e := &InputEstimator{clock: c, fullHeaderSize: fullHeaderSize}
	e.startTime = c.Now()
	return e
}

// windowUs returns the current sampling window length in microseconds.
func (e *InputEstimator) windowUs() int64 {
	if e.running {
		return RunningUs
	}
	return FastStartUs
}

// Update records one packet of the given byte length observed at ts.
// Samples timestamped before the estimator's start time are ignored, to
// avoid rate corruption during failover activation (spec.md §4.E).
func (e *InputEstimator) Update(ts time.Time, bytes int) {
	if ts.Before(e.startTime) {
		return
	}
	e.pkts++
	e.bytes += int64(bytes)

	elapsedUs := ts.Sub(e.startTime).Microseconds()
	if elapsedUs >= e.windowUs() || (!e.running && e.pkts > MaxPackets) {
		e.recalculate(elapsedUs)
	}
}

func (e *InputEstimator) recalculate(elapsedUs int64) {
	if elapsedUs <= 0 {
		elapsedUs = 1
	}
	totalBytes := e.bytes + int64(e.pkts)*int64(e.fullHeaderSize)
	e.rateBps = float64(totalBytes) * 1e6 / float64(elapsedUs)

	e.running = true
	e.pkts = 0
	e.bytes = 0
	e.startTime = e.clock.Now()
}

// RateBps returns the most recently computed bandwidth estimate.
func (e *InputEstimator) RateBps() float64 { return e.rateBps }

// NumPeriods and SampleDurationMs size the SendEstimator's sliding window:
// NumPeriods buckets of SampleDurationMs each.
const (
	NumPeriods       = 16
	SampleDurationMs = 50
)

// SendEstimator is the sliding-window send-rate estimator: NumPeriods
// buckets of SampleDurationMs each, indexed by
// (timestamp_ms / SampleDurationMs) mod NumPeriods.
type SendEstimator struct {
	buckets      [NumPeriods]int64 // bytes per bucket
	full         [NumPeriods]bool
	lastBucketMs int64
	initialized  bool
}

// NewSendEstimator creates an empty sliding-window estimator.
func NewSendEstimator() *SendEstimator { return &SendEstimator{} }

func bucketIndex(tsMs int64) int {
	idx := (tsMs / SampleDurationMs) % NumPeriods
	if idx < 0 {
		idx += NumPeriods
	}
	return int(idx)
}

// cleanup zeroes any buckets that the sliding window has advanced past
// since the last sample.
func (e *SendEstimator) cleanup(nowMs int64) {
	if !e.initialized {
		e.lastBucketMs = nowMs
		e.initialized = true
		return
	}
	lastBucket := e.lastBucketMs / SampleDurationMs
	nowBucket := nowMs / SampleDurationMs
	elapsed := nowBucket - lastBucket
	if elapsed <= 0 {
		return
	}
	if elapsed > NumPeriods {
		elapsed = NumPeriods
	}
	for i := int64(1); i <= elapsed; i++ {
		idx := bucketIndex((lastBucket + i) * SampleDurationMs)
		e.buckets[idx] = 0
		e.full[idx] = false
	}
	e.lastBucketMs = nowMs
}

// AddSample records bytes sent at timestamp ts.
func (e *SendEstimator) AddSample(ts time.Time, bytes int) {
	nowMs := ts.UnixMilli()
	e.cleanup(nowMs)
	idx := bucketIndex(nowMs)
	e.buckets[idx] += int64(bytes)
	e.full[idx] = true
}

// GetRate returns the average Bps across every full bucket in the window,
// or 0 if no bucket has any samples yet.
func (e *SendEstimator) GetRate() float64 {
	var total int64
	var count int
	for i := 0; i < NumPeriods; i++ {
		if e.full[i] {
			total += e.buckets[i]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	windowSeconds := float64(count*SampleDurationMs) / 1000.0
	return float64(total) / windowSeconds
}
