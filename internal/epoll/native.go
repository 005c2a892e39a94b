package epoll

// nativeBackend abstracts the OS-level readiness mechanism backing one
// epoll descriptor's native fd set: a genuine kernel epoll fd on Linux
// (native_linux.go), a poll(2)-based fallback elsewhere (native_fallback.go).
type nativeBackend interface {
	add(fd int32, events Event) error
	remove(fd int32) error
	wait(timeoutMs int) (map[int32]Event, error)
	close() error
}
