// Package clock implements the drift-corrected monotonic clock and timer
// described in spec.md §4.B: a steady-clock now(), a sleep_until that can
// be woken early by tick()/interrupt(), and a running-median drift
// estimator. Time itself is supplied by a clockwork.Clock so tests never
// depend on wall-clock sleeps.
package clock

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// busyWaitThreshold is how close to the deadline the timer switches from a
// condition-variable wait to a tight spin, matching the platform split in
// spec.md §4.B (10ms on Windows, 1ms elsewhere).
func busyWaitThreshold() time.Duration {
	if runtime.GOOS == "windows" {
		return 10 * time.Millisecond
	}
	return 1 * time.Millisecond
}

// Timer is a single waiter with a mutable scheduled wake time, woken either
// naturally (deadline reached), by Tick (re-check, keep sleeping if not
// due), or by Interrupt (wake now regardless of the scheduled time).
type Timer struct {
	clock clockwork.Clock

	mu        sync.Mutex
	scheduled time.Time
	interrupt bool
	tick      chan struct{}
}

// NewTimer creates a Timer driven by the given Clock.
func NewTimer(c clockwork.Clock) *Timer {
	return &Timer{clock: c, tick: make(chan struct{}, 1)}
}

// Now returns the current time according to the underlying Clock.
func (t *Timer) Now() time.Time { return t.clock.Now() }

// SleepUntil blocks until tp is reached or the wait is interrupted. It
// returns true if it woke because tp was reached, false if woken early by
// Interrupt or by ctx being cancelled.
func (t *Timer) SleepUntil(ctx context.Context, tp time.Time) bool {
	t.mu.Lock()
	t.scheduled = tp
	t.interrupt = false
	t.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.Interrupt()
			case <-done:
			}
		}()
	}

	for {
		now := t.clock.Now()
		remaining := tp.Sub(now)
		if remaining <= 0 {
			return true
		}

		t.mu.Lock()
		if t.interrupt {
			t.mu.Unlock()
			return false
		}
		t.mu.Unlock()

		if remaining > busyWaitThreshold() {
			wait := remaining - busyWaitThreshold()
			select {
			case <-t.clock.After(wait):
			case <-t.tick:
			case <-done:
			}
			continue
		}

		// Tight spin for the final sub-threshold stretch, yielding the
		// processor between checks rather than busy-looping raw.
		runtime.Gosched()
	}
}

// Tick re-checks the scheduled wake time without forcing an early wake;
// if the scheduled time has already passed, the next SleepUntil poll
// observes it naturally. Tick exists so an external source of "something
// may have changed" can nudge the waiter without fully interrupting it.
func (t *Timer) Tick() {
	select {
	case t.tick <- struct{}{}:
	default:
	}
}

// Interrupt moves the scheduled wake time to now and wakes the waiter
// immediately; the next SleepUntil return value will be false.
func (t *Timer) Interrupt() {
	t.mu.Lock()
	t.interrupt = true
	t.scheduled = t.clock.Now()
	t.mu.Unlock()
	select {
	case t.tick <- struct{}{}:
	default:
	}
}

// DriftMode selects how accumulated overdrift (time beyond the max-drift
// clamp) is handled between sampling windows.
type DriftMode int

const (
	// ClearOnUpdate absorbs overdrift into the timebase on each update,
	// discarding it rather than letting it accumulate.
	ClearOnUpdate DriftMode = iota
	// Sticky keeps accumulating overdrift across updates.
	Sticky
)

// DriftTracer accumulates up to Span samples of observed drift (the
// difference between an expected and an actual timestamp) and yields the
// running median once full, clamped to ±MaxDrift.
type DriftTracer struct {
	span     int
	maxDrift time.Duration
	mode     DriftMode

	mu        sync.Mutex
	samples   []time.Duration
	overdrift time.Duration
}

// NewDriftTracer creates a tracer collecting `span` samples per window,
// clamping the yielded drift to ±maxDrift using the given overdrift mode.
func NewDriftTracer(span int, maxDrift time.Duration, mode DriftMode) *DriftTracer {
	if span <= 0 {
		span = 1
	}
	return &DriftTracer{span: span, maxDrift: maxDrift, mode: mode}
}

// Update records a new drift sample. It returns (drift, overdrift, ready):
// ready is true only once `span` samples have accumulated, at which point
// drift is the clamped running median and the sample window resets.
func (d *DriftTracer) Update(sample time.Duration) (drift time.Duration, overdrift time.Duration, ready bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.samples = append(d.samples, sample)
	if len(d.samples) < d.span {
		return 0, 0, false
	}

	sorted := append([]time.Duration(nil), d.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[len(sorted)/2]

	clamped := median
	var over time.Duration
	if clamped > d.maxDrift {
		over = clamped - d.maxDrift
		clamped = d.maxDrift
	} else if clamped < -d.maxDrift {
		over = clamped + d.maxDrift
		clamped = -d.maxDrift
	}

	switch d.mode {
	case Sticky:
		d.overdrift += over
	default: // ClearOnUpdate
		d.overdrift = over
	}

	d.samples = d.samples[:0]
	return clamped, d.overdrift, true
}

// Overdrift returns the currently accumulated overdrift.
func (d *DriftTracer) Overdrift() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overdrift
}

// globWaitBound is the bounded wait used by GlobEvent, matching the
// reference CGlobEvent's 10ms bound (spec.md §4.B).
const globWaitBound = 10 * time.Millisecond

// GlobEvent is a process-wide "something happened" notifier, scoped to a
// single instance per owner rather than a package-level singleton, per the
// Design Notes in spec.md §9 (explicit context objects over global state).
type GlobEvent struct {
	clock clockwork.Clock
	ch    chan struct{}
}

// NewGlobEvent creates a GlobEvent driven by the given Clock.
func NewGlobEvent(c clockwork.Clock) *GlobEvent {
	return &GlobEvent{clock: c, ch: make(chan struct{}, 1)}
}

// Notify wakes any current or future WaitForEvent call.
func (g *GlobEvent) Notify() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// WaitForEvent blocks until Notify is called, ctx is cancelled, or the
// 10ms bound elapses, whichever comes first. It returns true only when
// woken by Notify.
func (g *GlobEvent) WaitForEvent(ctx context.Context) bool {
	select {
	case <-g.ch:
		return true
	case <-ctx.Done():
		return false
	case <-g.clock.After(globWaitBound):
		return false
	}
}
