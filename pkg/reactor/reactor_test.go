package reactor

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestRegisterFiresReadCallback(t *testing.T) {
	r, w, err := os.Pipe()
	assert.NilError(t, err)
	defer r.Close()
	defer w.Close()

	loop, err := New()
	assert.NilError(t, err)
	defer loop.Close()

	fired := make(chan struct{}, 1)
	assert.NilError(t, loop.Register(int(r.Fd()), Readable, func(fd int, mask Mask) {
		fired <- struct{}{}
	}, nil))

	_, err = w.Write([]byte("x"))
	assert.NilError(t, err)

	assert.NilError(t, loop.Step(true))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("read callback did not fire")
	}
}

func TestDeregisterStopsDispatch(t *testing.T) {
	r, w, err := os.Pipe()
	assert.NilError(t, err)
	defer r.Close()
	defer w.Close()

	loop, err := New()
	assert.NilError(t, err)
	defer loop.Close()

	calls := 0
	assert.NilError(t, loop.Register(int(r.Fd()), Readable, func(fd int, mask Mask) {
		calls++
	}, nil))
	assert.NilError(t, loop.Deregister(int(r.Fd()), Readable))
	assert.Equal(t, loop.InterestMask(int(r.Fd())), None)

	_, err = w.Write([]byte("x"))
	assert.NilError(t, err)
	assert.NilError(t, loop.Step(false))
	assert.Equal(t, calls, 0)
}

func TestSameCallbackSuppressesDuplicateWriteDispatch(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	loop, err := New()
	assert.NilError(t, err)
	defer loop.Close()

	calls := 0
	combined := func(fd int, mask Mask) { calls++ }
	assert.NilError(t, loop.Register(fds[0], Readable|Writable, combined, combined))

	unix.Write(fds[1], []byte("y"))
	assert.NilError(t, loop.Step(true))

	assert.Equal(t, calls, 1, "identical read/write callback should fire once per iteration")
}

func TestTimerFiresAndCanReschedule(t *testing.T) {
	loop, err := New()
	assert.NilError(t, err)
	defer loop.Close()

	fires := 0
	loop.ScheduleTimer(10*time.Millisecond, func() (time.Duration, bool) {
		fires++
		if fires < 2 {
			return 10 * time.Millisecond, true
		}
		return 0, false
	})

	deadline := time.Now().Add(time.Second)
	for fires < 2 && time.Now().Before(deadline) {
		assert.NilError(t, loop.Step(false))
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, fires, 2)
}

func TestCancelTimerPreventsFiring(t *testing.T) {
	loop, err := New()
	assert.NilError(t, err)
	defer loop.Close()

	fired := false
	timer := loop.ScheduleTimer(10*time.Millisecond, func() (time.Duration, bool) {
		fired = true
		return 0, false
	})
	loop.CancelTimer(timer)

	time.Sleep(20 * time.Millisecond)
	assert.NilError(t, loop.Step(false))
	assert.Assert(t, !fired)
}

func TestBackendNameIsEpollOrSelect(t *testing.T) {
	loop, err := New()
	assert.NilError(t, err)
	defer loop.Close()

	name := loop.BackendName()
	assert.Assert(t, name == "epoll" || name == "select")
}
