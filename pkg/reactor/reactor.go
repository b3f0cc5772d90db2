// Package reactor implements the event reactor (C3): a single-threaded,
// readiness-based I/O multiplexer with a merged interest mask per
// descriptor and a min-heap timer queue.
//
// The dispatch core here is platform-independent; the actual kernel
// polling mechanism is supplied by a backend (epoll on Linux, select
// elsewhere, and select on Linux kernels older than 2.6.9 — see
// backend_epoll_linux.go / backend_select.go), chosen at construction
// by a runtime kernel-version check (backend_select_gate_linux.go),
// mirroring original_source/src/fevent.c's
// compile-time `#ifdef USE_EPOLL` split made into a runtime decision
// because a Go binary ships pre-built, unlike the original's per-host
// recompile.
package reactor

import (
	"container/heap"
	"fmt"
	"time"
)

// Mask is the two-bit interest mask a descriptor can be registered for.
type Mask uint8

const (
	// None means no interest; an event descriptor in this state is
	// unused and never dispatched (spec §3, Event descriptor invariant).
	None Mask = 0
	// Readable requests notification when fd has data to read.
	Readable Mask = 1 << iota
	// Writable requests notification when fd can accept a write.
	Writable
)

// Callback is invoked with the fd and the mask bits that actually fired
// for it this iteration (a subset of the descriptor's registered mask).
type Callback func(fd int, mask Mask)

// backend is the kernel polling mechanism a Loop delegates to.
type backend interface {
	add(fd int, mask Mask) error
	modify(fd int, mask Mask) error
	del(fd int, mask Mask) error
	poll(timeout time.Duration, fired *[]firedEvent) error
	close() error
	name() string
}

type firedEvent struct {
	fd   int
	mask Mask
}

type descriptor struct {
	mask    Mask
	onRead  Callback
	onWrite Callback
}

// Loop is one reactor instance. It is not safe for concurrent use: spec
// §5 requires exactly one goroutine drive it for its lifetime.
type Loop struct {
	backend backend
	events  map[int]*descriptor
	timers  timerHeap
	timerSeq uint64
	stop    bool
}

// New constructs a Loop, selecting the epoll or select backend per
// newBackend (backend_select_gate_linux.go / backend_select_gate_other.go).
func New() (*Loop, error) {
	b, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("reactor: new backend: %w", err)
	}
	return &Loop{
		backend: b,
		events:  make(map[int]*descriptor),
	}, nil
}

// BackendName reports which polling mechanism this Loop is using
// ("epoll" or "select"), matching original_source/src/fevent.c's
// get_event_api_name.
func (l *Loop) BackendName() string {
	return l.backend.name()
}

// Register merges mask into fd's interest set and assigns the given
// callbacks for whichever bits are set, matching spec §4.3's "merges
// bits" registration semantics. Passing a nil callback for a bit that
// is not in mask leaves the existing callback for that bit untouched.
func (l *Loop) Register(fd int, mask Mask, onRead, onWrite Callback) error {
	if fd < 1 {
		return fmt.Errorf("reactor: invalid fd %d", fd)
	}
	ev, exists := l.events[fd]
	if !exists {
		ev = &descriptor{}
		l.events[fd] = ev
	}

	op := l.backend.add
	if exists && ev.mask != None {
		op = l.backend.modify
	}

	newMask := ev.mask | mask
	if err := op(fd, newMask); err != nil {
		if !exists {
			delete(l.events, fd)
		}
		return fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}

	ev.mask = newMask
	if mask&Readable != 0 {
		ev.onRead = onRead
	}
	if mask&Writable != 0 {
		ev.onWrite = onWrite
	}
	return nil
}

// Deregister clears mask from fd's interest set. When the resulting mask
// is None the kernel watch is fully removed and the descriptor is
// dropped, matching original_source/src/fevent.c's delete_event.
func (l *Loop) Deregister(fd int, mask Mask) error {
	ev, ok := l.events[fd]
	if !ok {
		return nil
	}
	newMask := ev.mask &^ mask
	if newMask == None {
		if err := l.backend.del(fd, ev.mask); err != nil {
			return fmt.Errorf("reactor: deregister fd %d: %w", fd, err)
		}
		delete(l.events, fd)
		return nil
	}
	if err := l.backend.modify(fd, newMask); err != nil {
		return fmt.Errorf("reactor: deregister fd %d: %w", fd, err)
	}
	ev.mask = newMask
	if mask&Readable != 0 {
		ev.onRead = nil
	}
	if mask&Writable != 0 {
		ev.onWrite = nil
	}
	return nil
}

// InterestMask returns fd's currently registered mask, or None if fd is
// not registered.
func (l *Loop) InterestMask(fd int) Mask {
	if ev, ok := l.events[fd]; ok {
		return ev.mask
	}
	return None
}

// Registered reports how many descriptors currently have a non-empty
// interest mask — used by internal/metrics to report reactor fd count.
func (l *Loop) Registered() int {
	return len(l.events)
}

// nextTimeout computes how long Poll should block: until the next timer
// deadline, or indefinitely if there are none and wait is true, or
// immediately (non-blocking poll) if wait is false.
func (l *Loop) nextTimeout(wait bool) time.Duration {
	if !wait {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	return d
}

var fired []firedEvent

// Step runs exactly one dispatch iteration: poll the backend (blocking
// until the next timer deadline or indefinitely if wait is true and no
// timers are pending, or returning immediately if wait is false), fire
// ready callbacks, then drain due timers. This is spec §4.3's four-step
// dispatch.
func (l *Loop) Step(wait bool) error {
	timeout := l.nextTimeout(wait)

	fired = fired[:0]
	if err := l.backend.poll(timeout, &fired); err != nil {
		return fmt.Errorf("reactor: poll: %w", err)
	}

	for _, f := range fired {
		ev, ok := l.events[f.fd]
		if !ok {
			continue
		}
		readFired := false
		if ev.mask&f.mask&Readable != 0 {
			readFired = true
			if ev.onRead != nil {
				ev.onRead(f.fd, f.mask)
			}
		}
		// Re-check after the read callback: it may have deregistered
		// or reconfigured fd, per spec §4.3 step 3.
		ev, ok = l.events[f.fd]
		if !ok {
			continue
		}
		if ev.mask&f.mask&Writable != 0 {
			if !readFired || !sameCallback(ev.onRead, ev.onWrite) {
				if ev.onWrite != nil {
					ev.onWrite(f.fd, f.mask)
				}
			}
		}
	}

	l.drainTimers()
	return nil
}

// Run drives the loop until Stop is called, blocking for I/O each
// iteration when no callback work is pending — original_source's
// start_event_loop's `while (!loop->stop) process_events(loop, EV_WAIT)`.
func (l *Loop) Run() error {
	l.stop = false
	for !l.stop {
		if err := l.Step(true); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests Run return after completing its current iteration.
func (l *Loop) Stop() {
	l.stop = true
}

// Close releases the backend's kernel resources (e.g. the epoll fd).
func (l *Loop) Close() error {
	return l.backend.close()
}

// TimerCallback is invoked when a scheduled deadline elapses. Returning
// reschedule=true with a delay re-arms the timer that many nanoseconds
// from now; returning false deletes it, matching spec §4.3's "either a
// new relative delay (reschedule) or a terminal sentinel (delete)".
type TimerCallback func() (delay time.Duration, reschedule bool)

type timerItem struct {
	deadline time.Time
	seq      uint64
	cb       TimerCallback
	canceled bool
	index    int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Timer is a handle to a scheduled callback, usable with CancelTimer.
type Timer struct {
	item *timerItem
}

// ScheduleTimer arms cb to fire after delay elapses.
func (l *Loop) ScheduleTimer(delay time.Duration, cb TimerCallback) Timer {
	item := &timerItem{deadline: time.Now().Add(delay), seq: l.timerSeq, cb: cb}
	l.timerSeq++
	heap.Push(&l.timers, item)
	return Timer{item: item}
}

// CancelTimer prevents a previously scheduled timer from firing. It is a
// no-op if the timer has already fired or been canceled.
func (l *Loop) CancelTimer(t Timer) {
	if t.item == nil || t.item.canceled {
		return
	}
	t.item.canceled = true
	if t.item.index >= 0 && t.item.index < len(l.timers) {
		heap.Remove(&l.timers, t.item.index)
	}
}

func (l *Loop) drainTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		item := heap.Pop(&l.timers).(*timerItem)
		if item.canceled {
			continue
		}
		delay, reschedule := item.cb()
		if !reschedule {
			continue
		}
		item.deadline = time.Now().Add(delay)
		item.seq = l.timerSeq
		l.timerSeq++
		item.canceled = false
		heap.Push(&l.timers, item)
	}
}

// sameCallback reports whether two Callback values refer to the same
// underlying function, the "pointer-identical" check spec §4.3 requires
// before suppressing a write dispatch that already fired as a read.
// Go forbids comparing func values directly; reflect.Value.Pointer is
// the idiomatic workaround, same technique the pack's async-IO reactor
// example (gaio) uses for its own callback de-duplication.
func sameCallback(a, b Callback) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return callbackPointer(a) == callbackPointer(b)
}
