// Package pool implements the preallocated connection-context pool (C2):
// a fixed-capacity arena of per-pair state with O(1) acquire/release and
// no allocator traffic once warmed up.
//
// Grounded on original_source/src/fcontexts.h's context_pool (a linked
// free list of context_pool_node pointers holding back-pointers into the
// owning node) and on spec.md's REDESIGN FLAGS §9, which replaces the raw
// back-pointer with an index/generation Handle so a stale reference can
// be detected instead of dereferenced.
package pool

import (
	"fmt"

	"github.com/fakio/fakio/pkg/buffer"
)

// Mask is the liveness bitmask carried by a Context: which of its two
// halves (client-side, remote-side) are still alive. A Context returns
// to the free list only once both bits are clear.
type Mask uint8

const (
	// None means neither half is alive; a Context in this state belongs
	// on the free list.
	None Mask = 0
	// ClientAlive marks the accepted local-peer half as still open.
	ClientAlive Mask = 1 << iota
	// RemoteAlive marks the outbound/second-peer half as still open.
	RemoteAlive
)

// Handle is an index+generation reference to a Context slot. A Handle
// copied out and later used against a since-recycled slot is detected:
// Pool.Get compares its stored generation against the handle's.
type Handle struct {
	Index      int
	Generation uint64
}

// Context is the per-connection-pair state object described by spec §4.
// ClientFD/RemoteFD are raw file descriptors; 0 is used as the "not
// open" sentinel (fd 0 is stdin and is never a socket the reactor owns).
type Context struct {
	ClientFD int
	RemoteFD int

	Req *buffer.Frame // client -> remote
	Res *buffer.Frame // remote -> client

	// Username identifies the authenticated peer on the server side; on
	// the local side it holds the configured username the tunnel
	// authenticates as.
	Username string

	// UserKey is the AES-128 key derived for the session's handshake.
	// SessionKey is the fresh 16-byte key exchanged during handshake
	// and used for the relay frames that follow.
	UserKey    [16]byte
	SessionKey [16]byte

	// ConnID is the correlation id (an xid string) assigned once a
	// context enters relay, used by internal/metrics to key its
	// per-connection TCP_INFO sample. Empty until the handshake code
	// (internal/fserver, internal/flocal) sets it just before calling
	// relay.Start.
	ConnID string

	Mask Mask

	handle Handle
	pool   *Pool
}

// Handle returns ctx's stable index/generation reference.
func (c *Context) Handle() Handle {
	return c.handle
}

// Pool is a fixed-capacity arena of Contexts with a free list of slot
// indices. Capacity never grows past what was requested at New.
type Pool struct {
	slots      []*Context
	generation []uint64
	free       []int
	used       int
}

// New preallocates capacity slots (minimum 64, per spec §4.2) and links
// them onto the free list. Buffers and crypto state are allocated now,
// not lazily, matching the "released slots keep their allocations"
// invariant from first acquire.
func New(capacity int) *Pool {
	if capacity < 64 {
		capacity = 64
	}
	p := &Pool{
		slots:      make([]*Context, capacity),
		generation: make([]uint64, capacity),
		free:       make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.slots[i] = &Context{
			Req: buffer.New(buffer.RelaySize),
			Res: buffer.New(buffer.RelaySize),
		}
		p.free[i] = capacity - 1 - i
	}
	return p
}

// Cap returns the pool's fixed capacity.
func (p *Pool) Cap() int {
	return len(p.slots)
}

// Used returns the number of slots currently acquired.
func (p *Pool) Used() int {
	return p.used
}

// Free returns the number of slots currently on the free list.
func (p *Pool) Free() int {
	return len(p.free)
}

// Acquire pops a slot from the free list, sets its initial mask, and
// returns it. It returns nil when the pool is exhausted; the caller is
// responsible for closing the fd it had hoped to attach and logging at
// warn level, per spec §7's pool-exhaustion disposition.
func (p *Pool) Acquire(initial Mask) *Context {
	if len(p.free) == 0 {
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	ctx := p.slots[idx]
	ctx.Mask = initial
	ctx.handle = Handle{Index: idx, Generation: p.generation[idx]}
	ctx.pool = p
	p.used++
	return ctx
}

// Get resolves a Handle back to its Context, returning false if the slot
// has since been released and recycled (the generation no longer
// matches) — the index/generation check this package exists to provide.
func (p *Pool) Get(h Handle) (*Context, bool) {
	if h.Index < 0 || h.Index >= len(p.slots) {
		return nil, false
	}
	if p.generation[h.Index] != h.Generation {
		return nil, false
	}
	ctx := p.slots[h.Index]
	if ctx.Mask == None {
		return nil, false
	}
	return ctx, true
}

// closer is satisfied by raw fds the caller wants Release to close via a
// callback rather than a direct syscall import from this package.
type closer func(fd int) error

// Release clears the bits in mask from ctx's liveness mask, invoking
// closeFD for each half actually being torn down (closeFD may be nil,
// in which case the caller has already closed the fd itself). Once the
// mask reaches None, the slot's buffers reset, its fds clear, its
// generation increments to invalidate old Handles, and it returns to the
// free list — idempotent on halves already cleared, matching spec §4.2's
// "double-release with overlapping bits is idempotent" invariant.
func (p *Pool) Release(ctx *Context, mask Mask, closeFD closer) error {
	clearing := mask & ctx.Mask
	var firstErr error

	if clearing&ClientAlive != 0 && ctx.ClientFD != 0 {
		if closeFD != nil {
			if err := closeFD(ctx.ClientFD); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("pool: close client fd %d: %w", ctx.ClientFD, err)
			}
		}
		ctx.ClientFD = 0
	}
	if clearing&RemoteAlive != 0 && ctx.RemoteFD != 0 {
		if closeFD != nil {
			if err := closeFD(ctx.RemoteFD); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("pool: close remote fd %d: %w", ctx.RemoteFD, err)
			}
		}
		ctx.RemoteFD = 0
	}
	ctx.Mask &^= clearing

	if ctx.Mask == None {
		ctx.Req.Reset()
		ctx.Res.Reset()
		ctx.Username = ""
		ctx.UserKey = [16]byte{}
		ctx.SessionKey = [16]byte{}
		ctx.ConnID = ""

		idx := ctx.handle.Index
		p.generation[idx]++
		p.free = append(p.free, idx)
		p.used--
	}
	return firstErr
}
