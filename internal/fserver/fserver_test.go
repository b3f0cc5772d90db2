package fserver_test

import (
	"net"
	"testing"
	"time"

	"github.com/fakio/fakio/internal/fserver"
	"github.com/fakio/fakio/pkg/fcrypto"
	"github.com/fakio/fakio/pkg/userdir"
	"github.com/fakio/fakio/pkg/wire"
	"gotest.tools/v3/assert"
)

// TestUnknownUserClosesConnection drives a handshake for a username the
// server's directory doesn't know and checks the connection is closed
// rather than answered, matching H0's "unknown user: abort" rule.
func TestUnknownUserClosesConnection(t *testing.T) {
	users := userdir.New()
	assert.NilError(t, users.Add("alice", "hunter2"))

	srv, err := fserver.New("127.0.0.1", 0, 4, users, nil)
	assert.NilError(t, err)
	defer srv.Close()
	go srv.Run()
	defer srv.Stop()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	iv := make([]byte, fcrypto.IVSize)
	assert.NilError(t, fcrypto.RandomBytes(iv))
	someKey := fcrypto.DeriveUserKey("whatever")
	request, err := wire.BuildHandshakeRequest("bob", fcrypto.AESKey(someKey), iv,
		wire.Target{ATYP: wire.ATYPIPv4, IPv4: [4]byte{127, 0, 0, 1}, Port: 80})
	assert.NilError(t, err)

	_, err = conn.Write(request)
	assert.NilError(t, err)

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Assert(t, err != nil, "server must close the connection for an unknown user")
}
