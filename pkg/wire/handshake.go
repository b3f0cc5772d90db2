package wire

import (
	"fmt"

	"github.com/fakio/fakio/pkg/fcrypto"
)

// HandshakeSize is the fixed size of the local->server handshake
// request, per spec.md §6.
const HandshakeSize = 1024

// HandshakeReplySize is the fixed size of the server->local handshake
// reply, per spec.md §6.
const HandshakeReplySize = 32

// MaxUsernameLen bounds the cleartext username field (byte 16 is a
// single-byte length prefix).
const MaxUsernameLen = 255

// BuildHandshakeRequest assembles the 1024-byte local->server handshake
// block (S1): a cleartext prefix of IV + username-length + username,
// followed by the SOCKS5-style target encoding and random padding,
// encrypted in place under the user's long-term key and iv.
//
// Grounded on spec.md §6's byte layout and
// original_source/src/fhandler.c's client_handshake_cb, which builds the
// mirror-image of this block on decrypt.
func BuildHandshakeRequest(username string, userKey []byte, iv []byte, target Target) ([]byte, error) {
	if len(username) == 0 || len(username) > MaxUsernameLen {
		return nil, fmt.Errorf("wire: invalid username length %d", len(username))
	}
	if len(iv) != fcrypto.IVSize {
		return nil, fmt.Errorf("wire: invalid iv length %d", len(iv))
	}

	out := make([]byte, HandshakeSize)
	copy(out[0:16], iv)
	out[16] = byte(len(username))
	tailStart := 17 + len(username)
	copy(out[17:tailStart], username)

	targetBytes := EncodeConnectRequest(target)
	if tailStart+len(targetBytes) > HandshakeSize {
		return nil, fmt.Errorf("wire: target encoding overflows handshake block")
	}
	plainTail := out[tailStart:]
	copy(plainTail, targetBytes)
	if err := fcrypto.RandomBytes(plainTail[len(targetBytes):]); err != nil {
		return nil, fmt.Errorf("wire: pad handshake: %w", err)
	}

	if err := fcrypto.EncryptCFB(userKey, iv, plainTail, plainTail); err != nil {
		return nil, fmt.Errorf("wire: encrypt handshake: %w", err)
	}
	return out, nil
}

// ParsedHandshakeRequest is the result of decoding a handshake request's
// cleartext prefix and decrypted tail.
type ParsedHandshakeRequest struct {
	IV       [16]byte
	Username string
	Target   Target
}

// ParseHandshakeCleartext extracts the IV and username from the
// unencrypted prefix of a handshake block (H0, first half), returning
// the offset at which the encrypted tail begins so the caller can derive
// the user's key and decrypt that tail separately.
func ParseHandshakeCleartext(block []byte) (iv [16]byte, username string, tailOffset int, err error) {
	if len(block) != HandshakeSize {
		return iv, "", 0, fmt.Errorf("wire: handshake block must be %d bytes, got %d", HandshakeSize, len(block))
	}
	copy(iv[:], block[0:16])
	nameLen := int(block[16])
	if nameLen == 0 || 17+nameLen > HandshakeSize {
		return iv, "", 0, fmt.Errorf("wire: invalid username length %d", nameLen)
	}
	username = string(block[17 : 17+nameLen])
	return iv, username, 17 + nameLen, nil
}

// DecryptHandshakeTail decrypts block[tailOffset:] in place under
// userKey/iv and parses the resulting SOCKS5-style target encoding
// (H0, second half).
func DecryptHandshakeTail(block []byte, tailOffset int, userKey []byte, iv []byte) (Target, error) {
	tail := block[tailOffset:]
	if err := fcrypto.DecryptCFB(userKey, iv, tail, tail); err != nil {
		return Target{}, fmt.Errorf("wire: decrypt handshake tail: %w", err)
	}
	target, _, err := ParseConnectRequest(tail)
	if err != nil {
		return Target{}, fmt.Errorf("wire: parse handshake target: %w", err)
	}
	return target, nil
}

// BuildHandshakeReply assembles the 32-byte server->local reply (H2): a
// fresh reply-direction IV in the clear, followed by the 16-byte session
// key encrypted under the user's long-term key and that IV.
func BuildHandshakeReply(userKey []byte, replyIV []byte, sessionKey []byte) ([]byte, error) {
	if len(replyIV) != fcrypto.IVSize {
		return nil, fmt.Errorf("wire: invalid reply iv length %d", len(replyIV))
	}
	if len(sessionKey) != fcrypto.KeySize {
		return nil, fmt.Errorf("wire: invalid session key length %d", len(sessionKey))
	}
	out := make([]byte, HandshakeReplySize)
	copy(out[0:16], replyIV)
	copy(out[16:32], sessionKey)
	if err := fcrypto.EncryptCFB(userKey, replyIV, out[16:32], out[16:32]); err != nil {
		return nil, fmt.Errorf("wire: encrypt handshake reply: %w", err)
	}
	return out, nil
}

// ParseHandshakeReply decrypts the 32-byte reply (S2), returning the
// session key extracted from bytes 16-31.
func ParseHandshakeReply(reply []byte, userKey []byte) (sessionKey [16]byte, err error) {
	if len(reply) != HandshakeReplySize {
		return sessionKey, fmt.Errorf("wire: handshake reply must be %d bytes, got %d", HandshakeReplySize, len(reply))
	}
	iv := reply[0:16]
	cipherKey := make([]byte, 16)
	copy(cipherKey, reply[16:32])
	if err := fcrypto.DecryptCFB(userKey, iv, cipherKey, cipherKey); err != nil {
		return sessionKey, fmt.Errorf("wire: decrypt handshake reply: %w", err)
	}
	copy(sessionKey[:], cipherKey)
	return sessionKey, nil
}
