package flocal_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/fakio/fakio/internal/fserver"
	"github.com/fakio/fakio/internal/flocal"
	"github.com/fakio/fakio/pkg/userdir"
	"github.com/fakio/fakio/pkg/wire"
	"gotest.tools/v3/assert"
)

// echoListener accepts one connection and echoes everything it reads
// back verbatim, standing in for the real destination a SOCKS5 CONNECT
// would reach.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ln
}

func tcpAddrParts(t *testing.T, addr net.Addr) (ip [4]byte, port uint16) {
	t.Helper()
	tcpAddr, ok := addr.(*net.TCPAddr)
	assert.Assert(t, ok)
	v4 := tcpAddr.IP.To4()
	assert.Assert(t, v4 != nil)
	copy(ip[:], v4)
	return ip, uint16(tcpAddr.Port)
}

// TestEndToEndTunnel drives a real fakio-local against a real
// fserver.Server over loopback TCP, speaking SOCKS5 as a naive user
// agent would, and checks that bytes written through the tunnel come
// back exactly as the echo target sent them. Grounds
// original_source/test/fbench.c's smoke-test role (SPEC_FULL §12).
func TestEndToEndTunnel(t *testing.T) {
	target := echoListener(t)
	defer target.Close()

	users := userdir.New()
	assert.NilError(t, users.Add("alice", "correct-horse-battery-staple"))

	srv, err := fserver.New("127.0.0.1", 0, 4, users, nil)
	assert.NilError(t, err)
	defer srv.Close()
	go srv.Run()
	defer srv.Stop()

	_, serverPort := tcpAddrParts(t, srv.Addr())

	local, err := flocal.New("127.0.0.1", 0, "127.0.0.1", int(serverPort), "alice", "correct-horse-battery-staple", 4, nil)
	assert.NilError(t, err)
	defer local.Close()
	go local.Run()
	defer local.Stop()

	time.Sleep(50 * time.Millisecond) // let both reactors register their listeners

	conn, err := net.Dial("tcp", local.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// S0: greeting.
	_, err = conn.Write([]byte{wire.Version, 1, wire.MethodNoAuth})
	assert.NilError(t, err)
	greetReply := make([]byte, 2)
	_, err = readFull(conn, greetReply)
	assert.NilError(t, err)
	assert.DeepEqual(t, greetReply, []byte{wire.Version, wire.MethodNoAuth})

	// S1: CONNECT request to the echo target.
	targetIP, targetPort := tcpAddrParts(t, target.Addr())
	req := wire.EncodeConnectRequest(wire.Target{ATYP: wire.ATYPIPv4, IPv4: targetIP, Port: targetPort})
	_, err = conn.Write(req)
	assert.NilError(t, err)

	connReply := make([]byte, 10)
	_, err = readFull(conn, connReply)
	assert.NilError(t, err)
	assert.Equal(t, connReply[1], byte(wire.ReplySuccess))

	// Relay: write application bytes, expect them echoed back through
	// the full local -> server -> target -> server -> local round trip.
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 50)
	_, err = conn.Write(payload)
	assert.NilError(t, err)

	got := make([]byte, len(payload))
	_, err = readFull(conn, got)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, payload)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
