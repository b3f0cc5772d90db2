package wire

import (
	"bytes"
	"testing"

	"github.com/fakio/fakio/pkg/fcrypto"
	"gotest.tools/v3/assert"
)

func TestParseGreetingAcceptsVersion5(t *testing.T) {
	assert.NilError(t, ParseGreeting([]byte{0x05, 0x01, 0x00}))
}

func TestParseGreetingRejectsOtherVersion(t *testing.T) {
	err := ParseGreeting([]byte{0x04, 0x01, 0x00})
	assert.ErrorContains(t, err, "unsupported SOCKS version")
}

func TestConnectRequestIPv4Roundtrip(t *testing.T) {
	want := Target{ATYP: ATYPIPv4, IPv4: [4]byte{93, 184, 216, 34}, Port: 80}
	encoded := EncodeConnectRequest(want)

	got, n, err := ParseConnectRequest(encoded)
	assert.NilError(t, err)
	assert.Equal(t, n, len(encoded))
	assert.Equal(t, got, want)
}

func TestConnectRequestDomainRoundtrip(t *testing.T) {
	want := Target{ATYP: ATYPDomain, Name: "example.com", Port: 443}
	encoded := EncodeConnectRequest(want)

	got, n, err := ParseConnectRequest(encoded)
	assert.NilError(t, err)
	assert.Equal(t, n, len(encoded))
	assert.Equal(t, got, want)
}

func TestHandshakeRequestRoundtrip(t *testing.T) {
	digest := fcrypto.DeriveUserKey("hunter2")
	userKey := fcrypto.AESKey(digest)
	iv := make([]byte, fcrypto.IVSize)
	assert.NilError(t, fcrypto.RandomBytes(iv))

	target := Target{ATYP: ATYPDomain, Name: "example.com", Port: 443}
	block, err := BuildHandshakeRequest("alice", userKey, iv, target)
	assert.NilError(t, err)
	assert.Equal(t, len(block), HandshakeSize)

	gotIV, username, tailOffset, err := ParseHandshakeCleartext(block)
	assert.NilError(t, err)
	assert.DeepEqual(t, gotIV[:], iv)
	assert.Equal(t, username, "alice")

	gotTarget, err := DecryptHandshakeTail(block, tailOffset, userKey, iv)
	assert.NilError(t, err)
	assert.Equal(t, gotTarget, target)
}

func TestHandshakeReplyRoundtrip(t *testing.T) {
	digest := fcrypto.DeriveUserKey("hunter2")
	userKey := fcrypto.AESKey(digest)
	replyIV := make([]byte, fcrypto.IVSize)
	sessionKey := make([]byte, fcrypto.KeySize)
	assert.NilError(t, fcrypto.RandomBytes(replyIV))
	assert.NilError(t, fcrypto.RandomBytes(sessionKey))

	reply, err := BuildHandshakeReply(userKey, replyIV, sessionKey)
	assert.NilError(t, err)
	assert.Equal(t, len(reply), HandshakeReplySize)
	assert.DeepEqual(t, reply[0:16], replyIV)

	got, err := ParseHandshakeReply(reply, userKey)
	assert.NilError(t, err)
	assert.DeepEqual(t, got[:], sessionKey)
}

func TestRelayFrameRoundtrip(t *testing.T) {
	sessionKey := make([]byte, fcrypto.KeySize)
	assert.NilError(t, fcrypto.RandomBytes(sessionKey))

	payload := bytes.Repeat([]byte("hello world"), 300) // < 4094 bytes
	assert.Assert(t, len(payload) <= MaxPayload)

	frame := make([]byte, FrameSize)
	assert.NilError(t, EncodeFrame(frame, sessionKey, payload))

	got, err := DecodeFrame(frame, sessionKey)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, payload)
}

func TestRelayFrameRejectsOversizedPayload(t *testing.T) {
	sessionKey := make([]byte, fcrypto.KeySize)
	frame := make([]byte, FrameSize)
	err := EncodeFrame(frame, sessionKey, make([]byte, MaxPayload+1))
	assert.ErrorContains(t, err, "exceeds max")
}

func TestRelayFrameFreshIVPerEncode(t *testing.T) {
	sessionKey := make([]byte, fcrypto.KeySize)
	assert.NilError(t, fcrypto.RandomBytes(sessionKey))
	payload := []byte("same payload")

	frame1 := make([]byte, FrameSize)
	frame2 := make([]byte, FrameSize)
	assert.NilError(t, EncodeFrame(frame1, sessionKey, payload))
	assert.NilError(t, EncodeFrame(frame2, sessionKey, payload))

	assert.Assert(t, !bytes.Equal(frame1[PlaintextBlockSize:], frame2[PlaintextBlockSize:]), "IV trailers must differ")
	assert.Assert(t, !bytes.Equal(frame1[:PlaintextBlockSize], frame2[:PlaintextBlockSize]), "ciphertext must differ under distinct IVs")
}
