package pool

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestNewEnforcesMinimumCapacity(t *testing.T) {
	p := New(1)
	assert.Equal(t, p.Cap(), 64)
	assert.Equal(t, p.Free(), 64)
}

func TestAcquireRelease(t *testing.T) {
	p := New(64)
	ctx := p.Acquire(ClientAlive)
	assert.Assert(t, ctx != nil)
	assert.Equal(t, p.Used(), 1)
	assert.Equal(t, p.Free(), 63)

	ctx.ClientFD = 42
	err := p.Release(ctx, ClientAlive, func(fd int) error {
		assert.Equal(t, fd, 42)
		return nil
	})
	assert.NilError(t, err)
	assert.Equal(t, p.Used(), 0)
	assert.Equal(t, p.Free(), 64)
	assert.Equal(t, ctx.Mask, None)
}

func TestPoolExhaustionReturnsNil(t *testing.T) {
	p := New(64)
	for i := 0; i < 64; i++ {
		assert.Assert(t, p.Acquire(ClientAlive) != nil)
	}
	assert.Assert(t, p.Acquire(ClientAlive) == nil)
}

func TestReleaseRequiresBothHalvesClear(t *testing.T) {
	p := New(64)
	ctx := p.Acquire(ClientAlive | RemoteAlive)
	ctx.ClientFD = 1
	ctx.RemoteFD = 2

	assert.NilError(t, p.Release(ctx, ClientAlive, nil))
	assert.Equal(t, p.Used(), 1, "slot stays used while a half remains alive")
	assert.Equal(t, ctx.Mask, RemoteAlive)

	assert.NilError(t, p.Release(ctx, RemoteAlive, nil))
	assert.Equal(t, p.Used(), 0)
}

func TestReleaseIsIdempotentOnClearedHalves(t *testing.T) {
	p := New(64)
	ctx := p.Acquire(ClientAlive)
	assert.NilError(t, p.Release(ctx, ClientAlive, nil))
	assert.NilError(t, p.Release(ctx, ClientAlive, nil))
}

func TestHandleDetectsStaleGeneration(t *testing.T) {
	p := New(64)
	ctx := p.Acquire(ClientAlive)
	h := ctx.Handle()

	assert.NilError(t, p.Release(ctx, ClientAlive, nil))

	_, ok := p.Get(h)
	assert.Assert(t, !ok, "stale handle must not resolve after recycle")

	ctx2 := p.Acquire(ClientAlive)
	h2 := ctx2.Handle()
	assert.Assert(t, h2.Generation != h.Generation)

	got, ok := p.Get(h2)
	assert.Assert(t, ok)
	assert.Assert(t, got == ctx2)
}

func TestReleasePropagatesCloseError(t *testing.T) {
	p := New(64)
	ctx := p.Acquire(ClientAlive)
	ctx.ClientFD = 7
	wantErr := errors.New("boom")

	err := p.Release(ctx, ClientAlive, func(fd int) error { return wantErr })
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, p.Used(), 0, "slot still recycled even if close failed")
}
