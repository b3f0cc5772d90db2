package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// selectBackend is the portable fallback polling backend, grounded on
// original_source/src/fevent.c's non-epoll branch. The persistent state is
// a per-fd interest map; fresh read/write fd_sets are built from it before
// every select() call, since the kernel mutates the sets it is given.
type selectBackend struct {
	interest map[int]Mask
	maxfd    int
}

func newSelectBackendImpl() (backend, error) {
	return &selectBackend{interest: make(map[int]Mask)}, nil
}

func (b *selectBackend) add(fd int, mask Mask) error {
	b.interest[fd] = mask
	if fd > b.maxfd {
		b.maxfd = fd
	}
	return nil
}

func (b *selectBackend) modify(fd int, mask Mask) error {
	b.interest[fd] = mask
	return nil
}

func (b *selectBackend) del(fd int, mask Mask) error {
	delete(b.interest, fd)
	if fd == b.maxfd {
		b.maxfd = 0
		for f := range b.interest {
			if f > b.maxfd {
				b.maxfd = f
			}
		}
	}
	return nil
}

func (b *selectBackend) poll(timeout time.Duration, fired *[]firedEvent) error {
	if len(b.interest) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil
	}

	var rfds, wfds unix.FdSet
	for fd, mask := range b.interest {
		if mask&Readable != 0 {
			fdSet(&rfds, fd)
		}
		if mask&Writable != 0 {
			fdSet(&wfds, fd)
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(b.maxfd+1, &rfds, &wfds, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n <= 0 {
		return nil
	}

	for fd, mask := range b.interest {
		var m Mask
		if mask&Readable != 0 && fdIsSet(&rfds, fd) {
			m |= Readable
		}
		if mask&Writable != 0 && fdIsSet(&wfds, fd) {
			m |= Writable
		}
		if m != None {
			*fired = append(*fired, firedEvent{fd: fd, mask: m})
		}
	}
	return nil
}

func (b *selectBackend) close() error {
	return nil
}

func (b *selectBackend) name() string {
	return "select"
}

// fdSet/fdIsSet assume a 64-bit-word fd_set layout (Linux, FreeBSD and
// most other modern Unix targets): the layout this package's supported
// build targets all share, whether select is running as the sole
// backend (non-Linux) or as backend_select_gate_linux.go's pre-2.6.9
// fallback.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
