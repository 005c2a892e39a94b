//go:build !linux

package epoll

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollBackend is the non-Linux fallback: one poll(2) call per wait() over
// the registered native fds, its set rebuilt on every call since unix.Poll
// has no persistent kernel-side registration the way epoll does.
type pollBackend struct {
	mu   sync.Mutex
	subs map[int32]Event
}

func newNativeBackend() (nativeBackend, error) {
	return &pollBackend{subs: make(map[int32]Event)}, nil
}

func toPollEvents(ev Event) int16 {
	var out int16
	if ev.has(EventIn) {
		out |= unix.POLLIN
	}
	if ev.has(EventOut) {
		out |= unix.POLLOUT
	}
	if ev.has(EventErr) {
		out |= unix.POLLERR | unix.POLLHUP
	}
	return out
}

func fromPollEvents(mask int16) Event {
	var ev Event
	if mask&unix.POLLIN != 0 {
		ev |= EventIn
	}
	if mask&unix.POLLOUT != 0 {
		ev |= EventOut
	}
	if mask&(unix.POLLERR|unix.POLLHUP) != 0 {
		ev |= EventErr
	}
	return ev
}

func (p *pollBackend) add(fd int32, events Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[fd] = events
	return nil
}

func (p *pollBackend) remove(fd int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, fd)
	return nil
}

func (p *pollBackend) wait(timeoutMs int) (map[int32]Event, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.subs))
	order := make([]int32, 0, len(p.subs))
	for fd, ev := range p.subs {
		fds = append(fds, unix.PollFd{Fd: fd, Events: toPollEvents(ev)})
		order = append(order, fd)
	}
	p.mu.Unlock()

	if len(fds) == 0 {
		return nil, nil
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[int32]Event, n)
	for i, pfd := range fds {
		if pfd.Revents != 0 {
			out[order[i]] = fromPollEvents(pfd.Revents)
		}
	}
	return out, nil
}

func (p *pollBackend) close() error {
	return nil
}
