// Package fserver implements the server-side authenticated handshake
// (H0-H3 in spec.md §4.4.2) and wires it into the shared full-duplex
// relay (internal/relay) once a session key has been established.
//
// Grounded on original_source/src/fhandler.c's server_accept_cb and
// client_handshake_cb.
package fserver

import (
	"fmt"
	"net"

	"github.com/fakio/fakio/internal/netutil"
	"github.com/fakio/fakio/internal/relay"
	"github.com/fakio/fakio/pkg/fcrypto"
	"github.com/fakio/fakio/pkg/pool"
	"github.com/fakio/fakio/pkg/reactor"
	"github.com/fakio/fakio/pkg/userdir"
	"github.com/fakio/fakio/pkg/wire"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Metrics is the subset of internal/metrics.Collector the server reports
// to. Kept as an interface so this package doesn't import
// internal/metrics directly; cmd/fakio-server wires the two together.
type Metrics interface {
	relay.Metrics
	RecordHandshakeFailure()
	AddConn(id string, fd int)
	RemoveConn(id string)
}

// Server owns the listener, reactor, pool and user directory for one
// fakio-server process.
type Server struct {
	loop  *reactor.Loop
	pool  *pool.Pool
	users *userdir.Directory
	ln    *netutil.Listener
	m     Metrics
}

// New constructs a Server bound to host:port, backed by a pool sized for
// connections concurrent pairs and users for handshake authentication.
func New(host string, port int, connections int, users *userdir.Directory, m Metrics) (*Server, error) {
	loop, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("fserver: new reactor: %w", err)
	}
	ln, err := netutil.Listen(host, port)
	if err != nil {
		loop.Close()
		return nil, fmt.Errorf("fserver: listen: %w", err)
	}

	s := &Server{
		loop:  loop,
		pool:  pool.New(connections),
		users: users,
		ln:    ln,
		m:     m,
	}
	return s, nil
}

// Pool exposes the context pool for metrics sampling.
func (s *Server) Pool() *pool.Pool { return s.pool }

// Loop exposes the reactor for metrics sampling.
func (s *Server) Loop() *reactor.Loop { return s.loop }

// SetMetrics attaches a metrics sink after construction, letting the
// caller wire a Collector (and start its sampling of Pool()/Loop())
// before Run accepts the first connection.
func (s *Server) SetMetrics(m Metrics) { s.m = m }

// Addr returns the listener's bound address, useful when the
// configured port was 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Run registers the listener and drives the reactor until Stop is
// called.
func (s *Server) Run() error {
	if err := s.loop.Register(s.ln.FD(), reactor.Readable, s.onAcceptable, nil); err != nil {
		return fmt.Errorf("fserver: register listener: %w", err)
	}
	logrus.WithField("backend", s.loop.BackendName()).Info("fserver: accepting connections")
	return s.loop.Run()
}

// Stop requests the reactor loop return after its current iteration.
func (s *Server) Stop() { s.loop.Stop() }

// Close releases the listener and reactor resources.
func (s *Server) Close() error {
	s.ln.Close()
	return s.loop.Close()
}

func (s *Server) onAcceptable(_ int, _ reactor.Mask) {
	fd, remoteAddr, err := s.ln.AcceptRawFD()
	if err != nil {
		logrus.WithError(err).Warn("fserver: accept failed")
		return
	}

	ctx := s.pool.Acquire(pool.ClientAlive)
	if ctx == nil {
		logrus.WithField("remote", remoteAddr).Warn("fserver: pool exhausted, dropping connection")
		netutil.Close(fd)
		return
	}
	ctx.ClientFD = fd

	logrus.WithFields(logrus.Fields{"remote": remoteAddr, "fd": fd}).Debug("fserver: accepted connection")
	if err := s.loop.Register(fd, reactor.Readable, s.handshakeCallback(ctx.Handle()), nil); err != nil {
		logrus.WithError(err).Warn("fserver: register handshake read")
		s.pool.Release(ctx, pool.ClientAlive, netutil.Close)
	}
}

// handshakeCallback returns the H0 read-1024 callback bound to ctx's
// stable handle (not its pointer), so a stale dispatch after release is
// detected rather than acted on.
func (s *Server) handshakeCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := s.pool.Get(h)
		if !ok {
			return
		}
		s.readHandshake(ctx, h, fd)
	}
}

func (s *Server) readHandshake(ctx *pool.Context, h pool.Handle, fd int) {
	for ctx.Req.DataLen() < wire.HandshakeSize {
		want := wire.HandshakeSize - ctx.Req.DataLen()
		n, wouldBlock, err := netutil.Read(fd, ctx.Req.WriteAt()[:want])
		if err != nil {
			logrus.WithError(err).Debug("fserver: handshake recv error")
			s.fail(ctx, h)
			return
		}
		if wouldBlock {
			return
		}
		if n == 0 {
			logrus.Debug("fserver: client closed during handshake")
			s.fail(ctx, h)
			return
		}
		ctx.Req.CommitWrite(n)
	}

	block := ctx.Req.DataAt()[:wire.HandshakeSize]
	iv, username, tailOffset, err := wire.ParseHandshakeCleartext(block)
	if err != nil {
		logrus.WithError(err).Warn("fserver: malformed handshake")
		s.fail(ctx, h)
		return
	}

	user, ok := s.users.Find(username)
	if !ok {
		logrus.WithField("user", username).Warn("fserver: unknown user")
		s.fail(ctx, h)
		return
	}
	ctx.Username = username
	copy(ctx.UserKey[:], fcrypto.AESKey(user.Key))

	target, err := wire.DecryptHandshakeTail(block, tailOffset, ctx.UserKey[:], iv[:])
	if err != nil {
		logrus.WithError(err).Warn("fserver: handshake decrypt failed")
		s.fail(ctx, h)
		return
	}
	ctx.Req.Reset()

	s.loop.Deregister(fd, reactor.Readable)
	s.connectTarget(ctx, h, target)
}

func (s *Server) connectTarget(ctx *pool.Context, h pool.Handle, target wire.Target) {
	ip, err := resolveTargetIPv4(target)
	if err != nil {
		logrus.WithError(err).Warn("fserver: target resolve failed")
		s.fail(ctx, h)
		return
	}

	remoteFD, err := netutil.DialNonblockingIPv4(ip, target.Port)
	if err != nil {
		logrus.WithError(err).Warn("fserver: target connect failed")
		s.fail(ctx, h)
		return
	}
	ctx.RemoteFD = remoteFD
	ctx.Mask |= pool.RemoteAlive

	if err := s.loop.Register(remoteFD, reactor.Writable, nil, s.connectCompleteCallback(h)); err != nil {
		logrus.WithError(err).Warn("fserver: register connect-complete")
		s.releaseBoth(ctx)
	}
}

func (s *Server) connectCompleteCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := s.pool.Get(h)
		if !ok {
			return
		}
		s.loop.Deregister(fd, reactor.Writable)

		if err := netutil.ConnectError(fd); err != nil {
			logrus.WithError(err).Warn("fserver: target connect failed")
			s.fail(ctx, h)
			return
		}
		s.sendHandshakeReply(ctx, h)
	}
}

func (s *Server) sendHandshakeReply(ctx *pool.Context, h pool.Handle) {
	replyIV := make([]byte, fcrypto.IVSize)
	if err := fcrypto.RandomBytes(replyIV); err != nil {
		logrus.WithError(err).Fatal("fserver: random source exhausted")
	}
	sessionKey := make([]byte, fcrypto.KeySize)
	if err := fcrypto.RandomBytes(sessionKey); err != nil {
		logrus.WithError(err).Fatal("fserver: random source exhausted")
	}
	copy(ctx.SessionKey[:], sessionKey)

	reply, err := wire.BuildHandshakeReply(ctx.UserKey[:], replyIV, sessionKey)
	if err != nil {
		logrus.WithError(err).Warn("fserver: build handshake reply")
		s.releaseBoth(ctx)
		return
	}

	buf := ctx.Res
	n := copy(buf.WriteAt(), reply)
	buf.CommitWrite(n)

	if err := s.loop.Register(ctx.ClientFD, reactor.Writable, nil, s.replyDrainCallback(h)); err != nil {
		logrus.WithError(err).Warn("fserver: register reply write")
		s.releaseBoth(ctx)
	}
}

func (s *Server) replyDrainCallback(h pool.Handle) reactor.Callback {
	return func(fd int, _ reactor.Mask) {
		ctx, ok := s.pool.Get(h)
		if !ok {
			return
		}
		buf := ctx.Res
		for buf.DataLen() > 0 {
			n, wouldBlock, err := netutil.Write(fd, buf.DataAt())
			if err != nil {
				logrus.WithError(err).Warn("fserver: handshake reply send failed")
				s.releaseBoth(ctx)
				return
			}
			if wouldBlock {
				return
			}
			buf.CommitRead(n)
		}
		s.loop.Deregister(fd, reactor.Writable)
		s.enterRelay(ctx, h)
	}
}

func (s *Server) enterRelay(ctx *pool.Context, h pool.Handle) {
	id := xid.New().String()
	ctx.ConnID = id
	if s.m != nil {
		s.m.AddConn(id, ctx.ClientFD)
	}
	logrus.WithFields(logrus.Fields{"user": ctx.Username, "conn": id}).Info("fserver: handshake complete, entering relay")
	if err := relay.Start(s.loop, s.pool, h, s.m, false); err != nil {
		logrus.WithError(err).Warn("fserver: relay start failed")
		s.releaseBoth(ctx)
	}
}

func (s *Server) fail(ctx *pool.Context, h pool.Handle) {
	if s.m != nil {
		s.m.RecordHandshakeFailure()
	}
	s.releaseBoth(ctx)
}

func (s *Server) releaseBoth(ctx *pool.Context) {
	closer := func(fd int) error {
		s.loop.Deregister(fd, reactor.Readable|reactor.Writable)
		return netutil.Close(fd)
	}
	if err := s.pool.Release(ctx, pool.ClientAlive|pool.RemoteAlive, closer); err != nil {
		logrus.WithError(err).Warn("fserver: release")
	}
}

// resolveTargetIPv4 resolves an IPv4 or domain-name Target to its IPv4
// bytes, matching original_source/src/fnet.c's getaddrinfo-based
// resolution. Per spec.md §1's Non-goals, IPv6 is never considered: a
// resolved domain whose only addresses are IPv6 fails as unresolved.
func resolveTargetIPv4(target wire.Target) ([4]byte, error) {
	if target.ATYP == wire.ATYPIPv4 {
		return target.IPv4, nil
	}
	addr, err := net.ResolveIPAddr("ip4", target.Name)
	if err != nil {
		return [4]byte{}, fmt.Errorf("fserver: resolve %s: %w", target.Name, err)
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return [4]byte{}, fmt.Errorf("fserver: %s has no IPv4 address", target.Name)
	}
	var out [4]byte
	copy(out[:], ip4)
	return out, nil
}
