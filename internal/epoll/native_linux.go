//go:build linux

package epoll

import (
	"golang.org/x/sys/unix"
)

// linuxEpoll is the real kernel epoll backend, grounded on
// tools/uping/pkg/uping/listener.go's EpollCreate1/EpollCtl/EpollWait usage.
type linuxEpoll struct {
	fd int
}

func newNativeBackend() (nativeBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &linuxEpoll{fd: fd}, nil
}

func toEpollEvents(ev Event) uint32 {
	var out uint32
	if ev.has(EventIn) {
		out |= unix.EPOLLIN
	}
	if ev.has(EventOut) {
		out |= unix.EPOLLOUT
	}
	if ev.has(EventErr) {
		out |= unix.EPOLLERR | unix.EPOLLHUP
	}
	return out
}

func fromEpollEvents(mask uint32) Event {
	var ev Event
	if mask&unix.EPOLLIN != 0 {
		ev |= EventIn
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= EventOut
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= EventErr
	}
	return ev
}

func (l *linuxEpoll) add(fd int32, events Event) error {
	return unix.EpollCtl(l.fd, unix.EPOLL_CTL_ADD, int(fd), &unix.EpollEvent{
		Events: toEpollEvents(events),
		Fd:     fd,
	})
}

func (l *linuxEpoll) remove(fd int32) error {
	return unix.EpollCtl(l.fd, unix.EPOLL_CTL_DEL, int(fd), nil)
}

func (l *linuxEpoll) wait(timeoutMs int) (map[int32]Event, error) {
	var buf [32]unix.EpollEvent
	n, err := unix.EpollWait(l.fd, buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[int32]Event, n)
	for i := 0; i < n; i++ {
		out[buf[i].Fd] = fromEpollEvents(buf[i].Events)
	}
	return out, nil
}

func (l *linuxEpoll) close() error {
	return unix.Close(l.fd)
}
