// Package relay implements the full-duplex ciphered relay (S3/H3 in
// spec.md §4.4.3), the one protocol state shared verbatim between the
// local and server roles once a session key has been established.
//
// Grounded on original_source/src/fhandler.c's client_readable_cb/
// client_writable_cb/remote_readable_cb/remote_writable_cb quartet: two
// independent directions, each a read side that fills a frame buffer and
// a write side that drains it into the peer, with the source's READ
// interest cleared while its output drains and reinstated once the
// destination is empty again.
package relay

import (
	"fmt"

	"github.com/fakio/fakio/internal/netutil"
	"github.com/fakio/fakio/pkg/buffer"
	"github.com/fakio/fakio/pkg/pool"
	"github.com/fakio/fakio/pkg/reactor"
	"github.com/fakio/fakio/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Metrics is the minimal sink the relay reports to; internal/metrics.Collector
// satisfies it without this package importing that one directly.
type Metrics interface {
	RecordRelayed(direction string, n int)
	RemoveConn(id string)
}

// direction identifies one of the two independent data paths of a
// context. reqDirection always carries bytes read from ClientFD and
// written to RemoteFD; resDirection is the mirror. Which of the two
// encrypts versus decrypts depends on the role (see Start).
type direction struct {
	label   string
	encrypt bool
	buf     func(ctx *pool.Context) *buffer.Frame
	srcFD   func(ctx *pool.Context) int
	dstFD   func(ctx *pool.Context) int
	srcBit  pool.Mask
	dstBit  pool.Mask
}

var reqDirection = direction{
	label:  "client_to_remote",
	buf:    func(ctx *pool.Context) *buffer.Frame { return ctx.Req },
	srcFD:  func(ctx *pool.Context) int { return ctx.ClientFD },
	dstFD:  func(ctx *pool.Context) int { return ctx.RemoteFD },
	srcBit: pool.ClientAlive,
	dstBit: pool.RemoteAlive,
}

var resDirection = direction{
	label:  "remote_to_client",
	buf:    func(ctx *pool.Context) *buffer.Frame { return ctx.Res },
	srcFD:  func(ctx *pool.Context) int { return ctx.RemoteFD },
	dstFD:  func(ctx *pool.Context) int { return ctx.ClientFD },
	srcBit: pool.RemoteAlive,
	dstBit: pool.ClientAlive,
}

// engine wires a Loop and a Pool together for one context's relay
// lifetime; both of its directions share the same engine.
type engine struct {
	loop *reactor.Loop
	pl   *pool.Pool
	h    pool.Handle
	m    Metrics
}

// Start registers the relay callbacks for ctx (S3/H3): one path per
// direction, each driven by its own frame buffer.
//
// encryptReq selects which physical direction encrypts versus decrypts.
// Server contexts decrypt the client->remote path (the client sent
// ciphertext tunneled from the local binary) and encrypt the
// remote->client path (the real destination's cleartext reply), so
// encryptReq is false. Local contexts do the opposite: the accepted fd
// is the user's plaintext SOCKS client and the "remote" fd is the
// ciphered link to the Fakio server, so the client->remote path must
// encrypt and the remote->client path must decrypt; encryptReq is true.
// spec.md §4.4.3's own prose groups both roles' client->remote path
// under "decrypt", which is only correct for the server; DESIGN.md
// records this as a resolved inconsistency rather than a literal
// instruction, since the wire layout in §6 is unambiguous about which
// direction carries ciphertext for each role.
func Start(loop *reactor.Loop, pl *pool.Pool, h pool.Handle, m Metrics, encryptReq bool) error {
	if _, ok := pl.Get(h); !ok {
		return fmt.Errorf("relay: stale handle at relay start")
	}
	e := &engine{loop: loop, pl: pl, h: h, m: m}

	req, res := reqDirection, resDirection
	req.encrypt = encryptReq
	res.encrypt = !encryptReq

	if err := e.armRead(req); err != nil {
		return err
	}
	return e.armRead(res)
}

func (e *engine) closer(fd int) error {
	e.loop.Deregister(fd, reactor.Readable|reactor.Writable)
	return netutil.Close(fd)
}

// release clears mask from ctx's liveness bits and, once the slot has
// fully freed, tells m to stop sampling its connection id — the id is
// captured before Release resets it, since a fully-freed slot is
// immediately eligible for reuse by an unrelated Acquire.
func (e *engine) release(ctx *pool.Context, mask pool.Mask) {
	id := ctx.ConnID
	if err := e.pl.Release(ctx, mask, e.closer); err != nil {
		logrus.WithError(err).Warn("relay: release")
	}
	if ctx.Mask == pool.None && e.m != nil {
		e.m.RemoveConn(id)
	}
}

func (e *engine) releaseBoth(ctx *pool.Context) {
	e.release(ctx, pool.ClientAlive|pool.RemoteAlive)
}

// armRead registers d's source fd for READ with a callback driving its
// fill-then-process loop.
func (e *engine) armRead(d direction) error {
	ctx, ok := e.pl.Get(e.h)
	if !ok {
		return fmt.Errorf("relay: stale handle")
	}
	fd := d.srcFD(ctx)
	if fd == 0 {
		return nil
	}
	return e.loop.Register(fd, reactor.Readable, func(fd int, _ reactor.Mask) {
		e.onReadable(fd, d)
	}, nil)
}

func (e *engine) onReadable(fd int, d direction) {
	ctx, ok := e.pl.Get(e.h)
	if !ok {
		return
	}
	buf := d.buf(ctx)

	if d.encrypt {
		e.readForEncrypt(ctx, fd, d, buf)
		return
	}
	e.readForDecrypt(ctx, fd, d, buf)
}

// readForDecrypt loops recv() into buf until a complete FrameSize block
// has been collected (or WOULDBLOCK/EOF/error), matching
// client_readable_cb's fill loop.
func (e *engine) readForDecrypt(ctx *pool.Context, fd int, d direction, buf *buffer.Frame) {
	for buf.WritableRemaining() > 0 {
		n, wouldBlock, err := netutil.Read(fd, buf.WriteAt())
		if err != nil {
			logrus.WithError(err).Debug("relay: recv error")
			e.releaseBoth(ctx)
			return
		}
		if wouldBlock {
			return
		}
		if n == 0 {
			e.handleEOF(ctx, fd, d)
			return
		}
		buf.CommitWrite(n)
	}

	sessionKey := ctx.SessionKey[:]
	payload, err := wire.DecodeFrame(buf.DataAt(), sessionKey)
	if err != nil {
		logrus.WithError(err).Warn("relay: corrupt frame, closing pair")
		e.releaseBoth(ctx)
		return
	}
	if len(payload) == 0 {
		buf.Reset()
		e.rearmIfAlive(ctx, fd, d)
		return
	}
	buf.SetWindow(0, len(payload))
	e.loop.Deregister(fd, reactor.Readable)
	e.startDrain(ctx, d, len(payload))
}

// readForEncrypt issues a single recv() for whatever application bytes
// are currently available, matching remote_readable_cb's "process on any
// non-zero read" behavior (no looping to fill).
func (e *engine) readForEncrypt(ctx *pool.Context, fd int, d direction, buf *buffer.Frame) {
	if buf.DataLen() > 0 {
		// Already holding an unsent frame; a stray readiness event fired
		// while backpressure should have cleared our READ interest.
		e.loop.Deregister(fd, reactor.Readable)
		return
	}

	scratch := buf.WriteAt()[:wire.MaxPayload]
	n, wouldBlock, err := netutil.Read(fd, scratch)
	if err != nil {
		logrus.WithError(err).Debug("relay: recv error")
		e.releaseBoth(ctx)
		return
	}
	if wouldBlock {
		return
	}
	if n == 0 {
		e.handleEOF(ctx, fd, d)
		return
	}

	frame := buf.WriteAt()[:wire.FrameSize]
	if err := wire.EncodeFrame(frame, ctx.SessionKey[:], scratch[:n]); err != nil {
		logrus.WithError(err).Warn("relay: encode frame")
		e.releaseBoth(ctx)
		return
	}
	buf.CommitWrite(wire.FrameSize)

	e.loop.Deregister(fd, reactor.Readable)
	e.startDrain(ctx, d, n)
}

// startDrain registers the destination fd for WRITE and reports n
// application bytes relayed. If the destination is already gone (its
// half already released), the data is undeliverable: release the
// source half immediately instead, matching remote_writable_cb's
// `c->client_fd == 0` check, applied proactively here.
func (e *engine) startDrain(ctx *pool.Context, d direction, n int) {
	dstFD := d.dstFD(ctx)
	if dstFD == 0 {
		d.buf(ctx).Reset()
		e.release(ctx, d.srcBit)
		return
	}

	if e.m != nil {
		e.m.RecordRelayed(d.label, n)
	}

	err := e.loop.Register(dstFD, reactor.Writable, nil, func(fd int, _ reactor.Mask) {
		e.onWritable(fd, d)
	})
	if err != nil {
		logrus.WithError(err).Warn("relay: register write")
		e.releaseBoth(ctx)
	}
}

func (e *engine) onWritable(fd int, d direction) {
	ctx, ok := e.pl.Get(e.h)
	if !ok {
		return
	}
	buf := d.buf(ctx)

	for buf.DataLen() > 0 {
		n, wouldBlock, err := netutil.Write(fd, buf.DataAt())
		if err != nil {
			logrus.WithError(err).Debug("relay: send error")
			e.releaseBoth(ctx)
			return
		}
		if wouldBlock {
			return
		}
		if n == 0 {
			return
		}
		buf.CommitRead(n)
	}

	e.loop.Deregister(fd, reactor.Writable)

	// The buffer just drained fully. If the path's own source fd is
	// already gone, this was the last batch ever destined for fd:
	// release the destination half now too, completing a deferred
	// half-close (spec §4.4.3's "peer is kept alive until drained, then
	// released").
	if d.srcFD(ctx) == 0 {
		e.release(ctx, d.dstBit)
		return
	}

	e.rearmIfAlive(ctx, d.srcFD(ctx), d)
}

func (e *engine) rearmIfAlive(ctx *pool.Context, fd int, d direction) {
	if fd == 0 {
		return
	}
	if err := e.loop.Register(fd, reactor.Readable, func(fd int, _ reactor.Mask) {
		e.onReadable(fd, d)
	}, nil); err != nil {
		logrus.WithError(err).Warn("relay: re-register read")
		e.releaseBoth(ctx)
	}
}

// handleEOF implements spec §4.4.3's half-close rule. A read is only
// ever attempted while d.buf(ctx) is empty (readForEncrypt checks this
// explicitly; readForDecrypt only re-registers READ once its buffer has
// fully drained), so by construction there is never data of d's own
// direction still queued for the peer at the moment EOF is observed:
// spec's "peer-side buffer empty" case always applies here, collapsing
// its two cases into one immediate full release. Any unrelated traffic
// already in flight the other way (e.g. a reply mid-drain toward the
// now-dying client) is simply abandoned, same as the original's blanket
// context_pool_release(..., MASK_CLIENT|MASK_REMOTE) on this path.
func (e *engine) handleEOF(ctx *pool.Context, fd int, d direction) {
	logrus.WithField("fd", fd).Debug("relay: peer closed connection")
	e.releaseBoth(ctx)
}
