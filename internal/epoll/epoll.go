// Package epoll implements CEPoll (spec.md §4.G): per-descriptor
// subscription/readiness sets over both abstract "usock" ids and native OS
// file descriptors. Each descriptor owns its own clock.GlobEvent, which
// wakes its waiters where the reference implementation uses one global
// condition variable.
package epoll

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/haivision/srtgo/internal/clock"
	"github.com/haivision/srtgo/internal/xerr"
)

// Event is one of the subscription/readiness kinds tracked per usock.
type Event uint32

const (
	EventIn Event = 1 << iota
	EventOut
	EventErr
	EventUpdate
	EventSpecial
)

// DefaultEvents is what add_usock subscribes to when the caller passes no
// explicit event mask (spec.md §4.G).
const DefaultEvents = EventIn | EventOut | EventErr

func (e Event) has(bit Event) bool { return e&bit != 0 }

// EID identifies one epoll descriptor.
type EID int32

// Result is the populated output of Wait/Uwait.
type Result struct {
	Read       []int
	Write      []int
	LocalRead  []int32
	LocalWrite []int32
}

func (r Result) Empty() bool {
	return len(r.Read) == 0 && len(r.Write) == 0 && len(r.LocalRead) == 0 && len(r.LocalWrite) == 0
}

type descriptor struct {
	subscribed map[int]Event
	ready      map[int]Event

	nativeSub map[int32]Event

	allowEmpty    bool
	edgeTriggered bool

	glob   *clock.GlobEvent
	native nativeBackend
}

// Manager is the process-wide epoll registry (CEPoll). All state is guarded
// by one mutex, per spec.md §5.
type Manager struct {
	mu    sync.Mutex
	clock clockwork.Clock
	seed  int32
	descs map[EID]*descriptor
}

// NewManager creates an empty registry. clock is injected for testability
// (clockwork.Clock); production code passes clockwork.NewRealClock().
func NewManager(c clockwork.Clock) *Manager {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Manager{clock: c, descs: make(map[EID]*descriptor)}
}

// Options configures Create.
type Options struct {
	AllowEmpty    bool
	EdgeTriggered bool
}

// Create allocates a new epoll descriptor, backed on Linux by a genuine
// kernel epoll fd and elsewhere by a poll(2)-based fallback (see
// native_linux.go / native_fallback.go).
func (m *Manager) Create(opts Options) (EID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nb, err := newNativeBackend()
	if err != nil {
		return 0, xerr.Wrap(xerr.Setup, "epoll: create native backend: %v", err)
	}

	var eid EID
	for {
		m.seed = (m.seed + 1) & 0x7FFFFFFF
		eid = EID(m.seed)
		if _, exists := m.descs[eid]; !exists {
			break
		}
	}

	m.descs[eid] = &descriptor{
		subscribed:    make(map[int]Event),
		ready:         make(map[int]Event),
		nativeSub:     make(map[int32]Event),
		allowEmpty:    opts.AllowEmpty,
		edgeTriggered: opts.EdgeTriggered,
		glob:          clock.NewGlobEvent(m.clock),
		native:        nb,
	}
	return eid, nil
}

func (m *Manager) lookup(eid EID) (*descriptor, error) {
	d, ok := m.descs[eid]
	if !ok {
		return nil, xerr.Wrap(xerr.InvalidArgument, "epoll: invalid eid %d", eid)
	}
	return d, nil
}

// AddUsock subscribes u to eid for the given events (DefaultEvents if 0).
func (m *Manager) AddUsock(eid EID, u int, events Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(eid)
	if err != nil {
		return err
	}
	if events == 0 {
		events = DefaultEvents
	}
	d.subscribed[u] = events
	return nil
}

// RemoveUsock removes u from both the subscription and readiness sets of
// eid — removing from readiness is mandatory so a stale event can never
// block Wait forever (spec.md §4.G).
func (m *Manager) RemoveUsock(eid EID, u int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(eid)
	if err != nil {
		return err
	}
	delete(d.subscribed, u)
	delete(d.ready, u)
	return nil
}

// UpdateUsock atomically changes u's subscribed events: newly requested
// kinds are added, dropped kinds are erased from both the subscription and
// readiness sets.
func (m *Manager) UpdateUsock(eid EID, u int, events Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(eid)
	if err != nil {
		return err
	}
	old := d.subscribed[u]
	dropped := old &^ events
	if dropped != 0 {
		d.ready[u] &^= dropped
		if d.ready[u] == 0 {
			delete(d.ready, u)
		}
	}
	d.subscribed[u] = events
	return nil
}

// AddNativeFd registers a native OS file descriptor with eid.
func (m *Manager) AddNativeFd(eid EID, fd int32, events Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(eid)
	if err != nil {
		return err
	}
	if err := d.native.add(fd, events); err != nil {
		return xerr.Wrap(xerr.Setup, "epoll: add native fd %d: %v", fd, err)
	}
	d.nativeSub[fd] = events
	return nil
}

// RemoveNativeFd unregisters a native OS file descriptor from eid.
func (m *Manager) RemoveNativeFd(eid EID, fd int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(eid)
	if err != nil {
		return err
	}
	_ = d.native.remove(fd)
	delete(d.nativeSub, fd)
	return nil
}

// UpdateEvents is called by the protocol core when a socket's status
// changes: for every eid listed, for every event bit set, u is added to
// (or removed from) that eid's readiness set — added only if u is
// currently subscribed to that bit, per spec.md §4.G.
func (m *Manager) UpdateEvents(u int, eids []EID, events Event, enable bool) error {
	m.mu.Lock()
	var touched []*descriptor
	for _, eid := range eids {
		d, ok := m.descs[eid]
		if !ok {
			continue
		}
		if enable {
			d.ready[u] |= events & d.subscribed[u]
			if d.ready[u] == 0 {
				delete(d.ready, u)
			}
		} else {
			d.ready[u] &^= events
			if d.ready[u] == 0 {
				delete(d.ready, u)
			}
		}
		touched = append(touched, d)
	}
	m.mu.Unlock()

	for _, d := range touched {
		d.glob.Notify()
	}
	return nil
}

func buildResult(d *descriptor) Result {
	var res Result
	for u, ev := range d.ready {
		if ev.has(EventIn) || ev.has(EventErr) {
			res.Read = append(res.Read, u)
		}
		if ev.has(EventOut) || ev.has(EventErr) {
			res.Write = append(res.Write, u)
		}
	}
	return res
}

// pollNative polls the native backend once and returns the ready read and
// write fds without mutating d.ready (native fds have no persistent
// readiness set of their own).
func (d *descriptor) pollNative(timeoutMs int) (readFds, writeFds []int32) {
	ready, err := d.native.wait(timeoutMs)
	if err != nil {
		return nil, nil
	}
	for fd, ev := range ready {
		if ev.has(EventIn) {
			readFds = append(readFds, fd)
		}
		if ev.has(EventOut) {
			writeFds = append(writeFds, fd)
		}
	}
	return readFds, writeFds
}

// Wait blocks until at least one subscribed usock or native fd is ready,
// ctx is cancelled, or timeout elapses, returning the populated readiness
// sets. A negative timeout means "wait forever", which is rejected with
// NotSupported (DEADLOCK_UNSUP) if eid has nothing subscribed and
// AllowEmpty wasn't set at Create.
func (m *Manager) Wait(ctx context.Context, eid EID, timeout time.Duration) (Result, error) {
	m.mu.Lock()
	d, err := m.lookup(eid)
	if err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	empty := len(d.subscribed) == 0 && len(d.nativeSub) == 0
	if empty && timeout < 0 && !d.allowEmpty {
		m.mu.Unlock()
		return Result{}, xerr.Wrap(xerr.NotSupported, "epoll: wait on empty eid %d without timeout (deadlock)", eid)
	}
	m.mu.Unlock()

	var deadline time.Time
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = m.clock.Now().Add(timeout)
	}

	for {
		m.mu.Lock()
		res := buildResult(d)
		m.mu.Unlock()

		readFds, writeFds := d.pollNative(0)
		res.LocalRead = append(res.LocalRead, readFds...)
		res.LocalWrite = append(res.LocalWrite, writeFds...)

		if !res.Empty() {
			return res, nil
		}

		if hasDeadline && !m.clock.Now().Before(deadline) {
			return Result{}, xerr.Wrap(xerr.Again, "epoll: wait on eid %d timed out", eid)
		}
		select {
		case <-ctx.Done():
			return Result{}, xerr.Wrap(xerr.Shutdown, "epoll: wait on eid %d cancelled: %v", eid, ctx.Err())
		default:
		}
		d.glob.WaitForEvent(ctx)
	}
}

// Uwait is the edge-triggered variant: on return it clears the matched
// usock entries from the readiness set, so a caller only sees each
// transition once.
func (m *Manager) Uwait(ctx context.Context, eid EID, timeout time.Duration) (Result, error) {
	res, err := m.Wait(ctx, eid, timeout)
	if err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	d, lookupErr := m.lookup(eid)
	if lookupErr == nil {
		for _, u := range res.Read {
			delete(d.ready, u)
		}
		for _, u := range res.Write {
			delete(d.ready, u)
		}
	}
	m.mu.Unlock()
	return res, nil
}

// Release closes eid's native backend and discards all of its state.
func (m *Manager) Release(eid EID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(eid)
	if err != nil {
		return err
	}
	_ = d.native.close()
	delete(m.descs, eid)
	return nil
}
