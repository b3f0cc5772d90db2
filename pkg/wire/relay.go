package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fakio/fakio/pkg/fcrypto"
)

// FrameSize is the fixed size of a relay frame on the wire: 4096 bytes
// of ciphertext followed by a 16-byte cleartext IV trailer.
const FrameSize = 4096 + 16

// PlaintextBlockSize is the ciphertext portion's decrypted size, also
// the maximum application-data payload per frame minus the 2-byte
// length field.
const PlaintextBlockSize = 4096

// lengthOffset is where the little-endian uint16 payload length lives
// within the decrypted 4096-byte block, per spec.md §6 and confirmed
// against original_source/src/fcrypt.c's fakio_encrypt/fakio_decrypt
// (`plain+4094`).
const lengthOffset = 4094

// MaxPayload is the largest application payload a single frame can
// carry (the two bytes at lengthOffset are reserved for the length
// field itself).
const MaxPayload = lengthOffset

// EncodeFrame builds a complete 4112-byte relay frame in dst (which must
// be FrameSize bytes) from a plaintext payload: the payload goes at
// offset 0, the length field at 4094-4095, residual bytes are left as
// whatever dst already held (no information is carried there), a fresh
// IV is generated for the trailer, and the first 4096 bytes are
// encrypted in place under sessionKey and that IV.
func EncodeFrame(dst []byte, sessionKey []byte, payload []byte) error {
	if len(dst) != FrameSize {
		return fmt.Errorf("wire: frame buffer must be %d bytes, got %d", FrameSize, len(dst))
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("wire: payload %d exceeds max %d", len(payload), MaxPayload)
	}

	plain := dst[:PlaintextBlockSize]
	copy(plain, payload)
	binary.LittleEndian.PutUint16(plain[lengthOffset:], uint16(len(payload)))

	iv := dst[PlaintextBlockSize:FrameSize]
	if err := fcrypto.RandomBytes(iv); err != nil {
		return fmt.Errorf("wire: frame iv: %w", err)
	}

	if err := fcrypto.EncryptCFB(sessionKey, iv, plain, plain); err != nil {
		return fmt.Errorf("wire: encrypt frame: %w", err)
	}
	return nil
}

// DecodeFrame decrypts a complete 4112-byte relay frame in place and
// returns the application payload it carried (a sub-slice of frame,
// valid until frame is next reused).
func DecodeFrame(frame []byte, sessionKey []byte) ([]byte, error) {
	if len(frame) != FrameSize {
		return nil, fmt.Errorf("wire: frame must be %d bytes, got %d", FrameSize, len(frame))
	}

	plain := frame[:PlaintextBlockSize]
	iv := frame[PlaintextBlockSize:FrameSize]
	if err := fcrypto.DecryptCFB(sessionKey, iv, plain, plain); err != nil {
		return nil, fmt.Errorf("wire: decrypt frame: %w", err)
	}

	length := binary.LittleEndian.Uint16(plain[lengthOffset:])
	if int(length) > MaxPayload {
		return nil, fmt.Errorf("wire: corrupt frame length %d", length)
	}
	return plain[:length], nil
}
