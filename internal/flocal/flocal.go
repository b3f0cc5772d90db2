// Package flocal implements the local-side SOCKS5 negotiation (S0-S1 in
// spec.md §4.4.1) and the authenticated handshake it drives (S1-S2),
// then wires the established session into the shared full-duplex relay
// (internal/relay).
//
// Grounded on original_source/src/fnet.c's socks5_get_server_reply /
// socks5_request_resolve and fhandler.c's client handshake path, mirror
// image of internal/fserver's H0-H2.
package flocal

import (
	"fmt"
	"net"

	"github.com/fakio/fakio/internal/netutil"
	"github.com/fakio/fakio/internal/relay"
	"github.com/fakio/fakio/pkg/fcrypto"
	"github.com/fakio/fakio/pkg/pool"
	"github.com/fakio/fakio/pkg/reactor"
	"github.com/fakio/fakio/pkg/wire"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Metrics is the subset of internal/metrics.Collector the local binary
// reports to.
type Metrics interface {
	relay.Metrics
	RecordHandshakeFailure()
	AddConn(id string, fd int)
	RemoveConn(id string)
}

// Local owns the listener, reactor and pool for one fakio-local process,
// plus the single user identity it authenticates all tunneled traffic
// under.
type Local struct {
	loop *reactor.Loop
	pool *pool.Pool
	ln   *netutil.Listener

	serverAddr string
	username   string
	userKey    [32]byte

	m Metrics
}

// New constructs a Local listening on host:port, tunneling to
// serverHost:serverPort as username/password.
func New(host string, port int, serverHost string, serverPort int, username, password string, connections int, m Metrics) (*Local, error) {
	loop, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("flocal: new reactor: %w", err)
	}
	ln, err := netutil.Listen(host, port)
	if err != nil {
		loop.Close()
		return nil, fmt.Errorf("flocal: listen: %w", err)
	}

	l := &Local{
		loop:       loop,
		pool:       pool.New(connections),
		ln:         ln,
		serverAddr: fmt.Sprintf("%s:%d", serverHost, serverPort),
		username:   username,
		userKey:    fcrypto.DeriveUserKey(password),
		m:          m,
	}
	return l, nil
}

// Pool exposes the context pool for metrics sampling.
func (l *Local) Pool() *pool.Pool { return l.pool }

// Loop exposes the reactor for metrics sampling.
func (l *Local) Loop() *reactor.Loop { return l.loop }

// SetMetrics attaches a metrics sink after construction, letting the
// caller wire a Collector (and start its sampling of Pool()/Loop())
// before Run accepts the first connection.
func (l *Local) SetMetrics(m Metrics) { l.m = m }

// Addr returns the listener's bound address, useful when the
// configured port was 0.
func (l *Local) Addr() net.Addr { return l.ln.Addr() }

// Run registers the listener and drives the reactor until Stop is
// called.
func (l *Local) Run() error {
	if err := l.loop.Register(l.ln.FD(), reactor.Readable, l.onAcceptable, nil); err != nil {
		return fmt.Errorf("flocal: register listener: %w", err)
	}
	logrus.WithField("backend", l.loop.BackendName()).Info("flocal: accepting connections")
	return l.loop.Run()
}

// Stop requests the reactor loop return after its current iteration.
func (l *Local) Stop() { l.loop.Stop() }

// Close releases the listener and reactor resources.
func (l *Local) Close() error {
	l.ln.Close()
	return l.loop.Close()
}

func (l *Local) onAcceptable(_ int, _ reactor.Mask) {
	fd, remoteAddr, err := l.ln.AcceptRawFD()
	if err != nil {
		logrus.WithError(err).Warn("flocal: accept failed")
		return
	}

	ctx := l.pool.Acquire(pool.ClientAlive)
	if ctx == nil {
		logrus.WithField("remote", remoteAddr).Warn("flocal: pool exhausted, dropping connection")
		netutil.Close(fd)
		return
	}
	ctx.ClientFD = fd
	ctx.Username = l.username
	copy(ctx.UserKey[:], fcrypto.AESKey(l.userKey))

	h := ctx.Handle()
	if err := l.loop.Register(fd, reactor.Readable, l.greetingCallback(h), nil); err != nil {
		logrus.WithError(err).Warn("flocal: register greeting read")
		l.pool.Release(ctx, pool.ClientAlive, netutil.Close)
	}
}

// greetingCallback is S0: read the client's method-negotiation message
// and accept only "no authentication".
func (l *Local) greetingCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := l.pool.Get(h)
		if !ok {
			return
		}
		buf := ctx.Req
		for {
			if buf.DataLen() >= 2 {
				total := 2 + int(buf.DataAt()[1])
				if buf.DataLen() >= total {
					break
				}
			}
			n, wouldBlock, err := netutil.Read(fd, buf.WriteAt())
			if err != nil {
				logrus.WithError(err).Debug("flocal: greeting recv error")
				l.fail(ctx)
				return
			}
			if wouldBlock {
				return
			}
			if n == 0 {
				l.fail(ctx)
				return
			}
			buf.CommitWrite(n)
		}

		total := 2 + int(buf.DataAt()[1])
		if err := wire.ParseGreeting(buf.DataAt()[:total]); err != nil {
			logrus.WithError(err).Warn("flocal: unsupported SOCKS greeting")
			l.fail(ctx)
			return
		}
		buf.CommitRead(total)

		n := copy(buf.WriteAt(), wire.GreetingReply())
		buf.CommitWrite(n)
		l.loop.Deregister(fd, reactor.Readable)
		if err := l.loop.Register(fd, reactor.Writable, nil, l.greetingReplyDrainCallback(h)); err != nil {
			logrus.WithError(err).Warn("flocal: register greeting reply write")
			l.fail(ctx)
		}
	}
}

func (l *Local) greetingReplyDrainCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := l.pool.Get(h)
		if !ok {
			return
		}
		if !l.drain(ctx, fd, ctx.Req) {
			return
		}
		l.loop.Deregister(fd, reactor.Writable)
		if err := l.loop.Register(fd, reactor.Readable, l.connectRequestCallback(h), nil); err != nil {
			logrus.WithError(err).Warn("flocal: register connect-request read")
			l.fail(ctx)
		}
	}
}

// connectRequestCallback is S1's read half: accumulate the client's
// SOCKS5 CONNECT request until enough bytes have arrived to parse it.
func (l *Local) connectRequestCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := l.pool.Get(h)
		if !ok {
			return
		}
		buf := ctx.Req
		for {
			if need, ready := connectRequestReady(buf.DataAt()); ready {
				_ = need
				break
			}
			n, wouldBlock, err := netutil.Read(fd, buf.WriteAt())
			if err != nil {
				logrus.WithError(err).Debug("flocal: connect request recv error")
				l.fail(ctx)
				return
			}
			if wouldBlock {
				return
			}
			if n == 0 {
				l.fail(ctx)
				return
			}
			buf.CommitWrite(n)
		}

		target, consumed, err := wire.ParseConnectRequest(buf.DataAt())
		if err != nil {
			logrus.WithError(err).Warn("flocal: malformed CONNECT request")
			l.fail(ctx)
			return
		}
		buf.CommitRead(consumed)
		buf.Reset()
		l.loop.Deregister(fd, reactor.Readable)
		l.beginHandshake(ctx, h, target)
	}
}

// connectRequestReady reports whether b holds enough bytes to parse a
// full SOCKS5 CONNECT request, without yet decoding it.
func connectRequestReady(b []byte) (need int, ready bool) {
	if len(b) < 4 {
		return 0, false
	}
	switch b[3] {
	case wire.ATYPIPv4:
		need = 4 + 4 + 2
	case wire.ATYPDomain:
		if len(b) < 5 {
			return 0, false
		}
		need = 5 + int(b[4]) + 2
	default:
		return 0, true // malformed ATYP; let ParseConnectRequest report the error
	}
	return need, len(b) >= need
}

func (l *Local) beginHandshake(ctx *pool.Context, h pool.Handle, target wire.Target) {
	remoteFD, err := netutil.DialBlocking("tcp", l.serverAddr)
	if err != nil {
		logrus.WithError(err).Warn("flocal: connect to server failed")
		l.fail(ctx)
		return
	}
	ctx.RemoteFD = remoteFD
	ctx.Mask |= pool.RemoteAlive

	iv := make([]byte, fcrypto.IVSize)
	if err := fcrypto.RandomBytes(iv); err != nil {
		logrus.WithError(err).Fatal("flocal: random source exhausted")
	}
	request, err := wire.BuildHandshakeRequest(l.username, ctx.UserKey[:], iv, target)
	if err != nil {
		logrus.WithError(err).Warn("flocal: build handshake request")
		l.releaseBoth(ctx)
		return
	}

	n := copy(ctx.Req.WriteAt(), request)
	ctx.Req.CommitWrite(n)

	reply := wire.ConnectReply()
	rn := copy(ctx.Res.WriteAt(), reply)
	ctx.Res.CommitWrite(rn)

	if err := l.loop.Register(ctx.ClientFD, reactor.Writable, nil, l.connectReplyDrainCallback(h)); err != nil {
		logrus.WithError(err).Warn("flocal: register connect-reply write")
		l.releaseBoth(ctx)
		return
	}
	if err := l.loop.Register(remoteFD, reactor.Writable, nil, l.handshakeDrainCallback(h)); err != nil {
		logrus.WithError(err).Warn("flocal: register handshake write")
		l.releaseBoth(ctx)
	}
}

func (l *Local) connectReplyDrainCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := l.pool.Get(h)
		if !ok {
			return
		}
		if !l.drain(ctx, fd, ctx.Res) {
			return
		}
		l.loop.Deregister(fd, reactor.Writable)
	}
}

func (l *Local) handshakeDrainCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := l.pool.Get(h)
		if !ok {
			return
		}
		if !l.drain(ctx, fd, ctx.Req) {
			return
		}
		l.loop.Deregister(fd, reactor.Writable)
		if err := l.loop.Register(fd, reactor.Readable, l.handshakeReplyCallback(h), nil); err != nil {
			logrus.WithError(err).Warn("flocal: register handshake reply read")
			l.releaseBoth(ctx)
		}
	}
}

// handshakeReplyCallback is S2: read exactly 32 bytes and derive the
// session key.
func (l *Local) handshakeReplyCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := l.pool.Get(h)
		if !ok {
			return
		}
		buf := ctx.Res
		for buf.DataLen() < wire.HandshakeReplySize {
			want := wire.HandshakeReplySize - buf.DataLen()
			n, wouldBlock, err := netutil.Read(fd, buf.WriteAt()[:want])
			if err != nil {
				logrus.WithError(err).Debug("flocal: handshake reply recv error")
				l.releaseBoth(ctx)
				return
			}
			if wouldBlock {
				return
			}
			if n == 0 {
				l.releaseBoth(ctx)
				return
			}
			buf.CommitWrite(n)
		}

		sessionKey, err := wire.ParseHandshakeReply(buf.DataAt(), ctx.UserKey[:])
		if err != nil {
			logrus.WithError(err).Warn("flocal: handshake reply decrypt failed")
			l.releaseBoth(ctx)
			return
		}
		ctx.SessionKey = sessionKey
		buf.Reset()

		id := xid.New().String()
		ctx.ConnID = id
		if l.m != nil {
			l.m.AddConn(id, ctx.RemoteFD)
		}
		logrus.WithFields(logrus.Fields{"user": ctx.Username, "conn": id}).Info("flocal: handshake complete, entering relay")
		if err := relay.Start(l.loop, l.pool, h, l.m, true); err != nil {
			logrus.WithError(err).Warn("flocal: relay start failed")
			l.releaseBoth(ctx)
		}
	}
}

// drain writes buf's remaining bytes to fd, returning true once fully
// drained (in which case the caller still owns clearing the WRITE
// interest and advancing state) or false if it should be called again
// on the next WRITE readiness.
func (l *Local) drain(ctx *pool.Context, fd int, buf interface {
	DataLen() int
	DataAt() []byte
	CommitRead(int)
}) bool {
	for buf.DataLen() > 0 {
		n, wouldBlock, err := netutil.Write(fd, buf.DataAt())
		if err != nil {
			logrus.WithError(err).Warn("flocal: send failed")
			l.releaseBoth(ctx)
			return false
		}
		if wouldBlock {
			return false
		}
		buf.CommitRead(n)
	}
	return true
}

func (l *Local) fail(ctx *pool.Context) {
	if l.m != nil {
		l.m.RecordHandshakeFailure()
	}
	l.releaseBoth(ctx)
}

func (l *Local) releaseBoth(ctx *pool.Context) {
	closer := func(fd int) error {
		l.loop.Deregister(fd, reactor.Readable|reactor.Writable)
		return netutil.Close(fd)
	}
	if err := l.pool.Release(ctx, pool.ClientAlive|pool.RemoteAlive, closer); err != nil {
		logrus.WithError(err).Warn("flocal: release")
	}
}
