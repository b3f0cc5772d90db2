//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux polling backend, grounded on
// original_source/src/fevent.c's USE_EPOLL branch (ev_api_create/
// ev_api_addevent/ev_api_delevent/ev_api_poll), translated to
// golang.org/x/sys/unix's epoll wrappers.
type epollBackend struct {
	epfd   int
	events []unix.EpollEvent
}

func newEpollBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 256),
	}, nil
}

func toEpollEvents(mask Mask) uint32 {
	var events uint32
	if mask&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func (b *epollBackend) add(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) modify(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) del(fd int, mask Mask) error {
	// Kernels before 2.6.9 require a non-nil event pointer even for
	// EPOLL_CTL_DEL; pass one for parity with
	// original_source/src/fevent.c's comment on this exact call.
	ev := unix.EpollEvent{}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

func (b *epollBackend) poll(timeout time.Duration, fired *[]firedEvent) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(b.epfd, b.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n == len(b.events) {
		b.events = make([]unix.EpollEvent, len(b.events)*2)
	}
	for i := 0; i < n; i++ {
		e := &b.events[i]
		var mask Mask
		if e.Events&unix.EPOLLIN != 0 {
			mask |= Readable
		}
		if e.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= Writable
		}
		*fired = append(*fired, firedEvent{fd: int(e.Fd), mask: mask})
	}
	return nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}

func (b *epollBackend) name() string {
	return "epoll"
}
