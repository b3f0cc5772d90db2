package relay

import (
	"testing"
	"time"

	"github.com/fakio/fakio/pkg/pool"
	"github.com/fakio/fakio/pkg/reactor"
	"github.com/fakio/fakio/pkg/wire"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func step(t *testing.T, loop *reactor.Loop, deadline time.Duration, want int, got func() int) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		assert.NilError(t, loop.Step(true))
		if got() >= want {
			return
		}
	}
	t.Fatalf("timed out waiting for %d bytes, have %d", want, got())
}

// newPairedContext wires a context whose ClientFD/RemoteFD are one end
// each of two AF_UNIX socketpairs, handing the test the other ends to
// drive as the "real" SOCKS client and target.
func newPairedContext(t *testing.T, pl *pool.Pool) (ctx *pool.Context, clientPeer, remotePeer int) {
	t.Helper()
	clientFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)
	remoteFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)
	// The test-side ends are polled between loop steps, so a read with
	// nothing pending must return rather than block.
	assert.NilError(t, unix.SetNonblock(clientFDs[1], true))
	assert.NilError(t, unix.SetNonblock(remoteFDs[1], true))

	ctx = pl.Acquire(pool.ClientAlive | pool.RemoteAlive)
	assert.Assert(t, ctx != nil)
	ctx.ClientFD = clientFDs[0]
	ctx.RemoteFD = remoteFDs[0]
	for i := range ctx.SessionKey {
		ctx.SessionKey[i] = byte(i)
	}
	return ctx, clientFDs[1], remoteFDs[1]
}

func TestRelayServerSideDecryptsClientToRemote(t *testing.T) {
	loop, err := reactor.New()
	assert.NilError(t, err)
	defer loop.Close()
	pl := pool.New(4)

	ctx, clientPeer, remotePeer := newPairedContext(t, pl)
	defer unix.Close(clientPeer)
	defer unix.Close(remotePeer)

	assert.NilError(t, Start(loop, pl, ctx.Handle(), nil, false))

	plaintext := []byte("GET / HTTP/1.0\r\n\r\n")
	frame := make([]byte, wire.FrameSize)
	assert.NilError(t, wire.EncodeFrame(frame, ctx.SessionKey[:], plaintext))
	_, err = unix.Write(clientPeer, frame)
	assert.NilError(t, err)

	got := make([]byte, 0, len(plaintext))
	step(t, loop, 2*time.Second, len(plaintext), func() int {
		buf := make([]byte, 4096)
		n, _ := unix.Read(remotePeer, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		return len(got)
	})
	assert.DeepEqual(t, got, plaintext)
}

func TestRelayServerSideEncryptsRemoteToClient(t *testing.T) {
	loop, err := reactor.New()
	assert.NilError(t, err)
	defer loop.Close()
	pl := pool.New(4)

	ctx, clientPeer, remotePeer := newPairedContext(t, pl)
	defer unix.Close(clientPeer)
	defer unix.Close(remotePeer)

	assert.NilError(t, Start(loop, pl, ctx.Handle(), nil, false))

	plaintext := []byte("HTTP/1.0 200 OK\r\n\r\nhello")
	_, err = unix.Write(remotePeer, plaintext)
	assert.NilError(t, err)

	got := make([]byte, 0, wire.FrameSize)
	step(t, loop, 2*time.Second, wire.FrameSize, func() int {
		buf := make([]byte, wire.FrameSize*2)
		n, _ := unix.Read(clientPeer, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		return len(got)
	})

	payload, err := wire.DecodeFrame(got, ctx.SessionKey[:])
	assert.NilError(t, err)
	assert.DeepEqual(t, payload, plaintext)
}

func TestRelayEOFReleasesContext(t *testing.T) {
	loop, err := reactor.New()
	assert.NilError(t, err)
	defer loop.Close()
	pl := pool.New(4)

	ctx, clientPeer, remotePeer := newPairedContext(t, pl)
	defer unix.Close(remotePeer)

	assert.NilError(t, Start(loop, pl, ctx.Handle(), nil, false))

	h := ctx.Handle()
	unix.Close(clientPeer)

	end := time.Now().Add(2 * time.Second)
	for time.Now().Before(end) {
		assert.NilError(t, loop.Step(true))
		if _, ok := pl.Get(h); !ok {
			return
		}
	}
	t.Fatal("context was never released after client EOF")
}
