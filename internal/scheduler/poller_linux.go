//go:build linux

package scheduler

import (
	"golang.org/x/sys/unix"
)

// pollEvent describes one ready descriptor from a single poller.wait call.
type pollEvent struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}

// poller wraps an epoll descriptor. It is the single-threaded
// equivalent of the teacher library's openPoll()/pfd.Wait() pair, minus
// the goroutine and channel plumbing: wait() blocks directly on the
// calling (sole) scheduler goroutine.
type poller struct {
	epfd   int
	events []unix.EpollEvent
}

func openPoll() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd, events: make([]unix.EpollEvent, 64)}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func interestMask(read, write bool) uint32 {
	var mask uint32
	if read {
		mask |= unix.EPOLLIN
	}
	if write {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *poller) watch(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interestMask(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interestMask(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) unwatch(fd int) error {
	// Some kernels require a non-nil event argument even for DEL.
	ev := unix.EpollEvent{}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

// wait blocks for up to timeoutMs (0 returns immediately, negative blocks
// indefinitely) and returns the ready set.
func (p *poller) wait(timeoutMs int) ([]pollEvent, error) {
	if timeoutMs < 0 {
		timeoutMs = -1
	}
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]pollEvent, 0, n)
	for i := 0; i < n; i++ {
		raw := p.events[i]
		out = append(out, pollEvent{
			fd:       int(raw.Fd),
			readable: raw.Events&unix.EPOLLIN != 0,
			writable: raw.Events&unix.EPOLLOUT != 0,
			errored:  raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}
