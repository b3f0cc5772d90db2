package fcrypto

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"
)

func TestDeriveUserKeyIsStable(t *testing.T) {
	a := DeriveUserKey("hunter2")
	b := DeriveUserKey("hunter2")
	assert.Equal(t, a, b)

	c := DeriveUserKey("different")
	assert.Assert(t, a != c)
}

func TestAESKeyIsFirst16Bytes(t *testing.T) {
	digest := DeriveUserKey("hunter2")
	key := AESKey(digest)
	assert.Equal(t, len(key), KeySize)
	assert.DeepEqual(t, key, digest[:16])
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	digest := DeriveUserKey("hunter2")
	key := AESKey(digest)
	iv := make([]byte, IVSize)
	assert.NilError(t, RandomBytes(iv))

	plain := bytes.Repeat([]byte{0xAB}, 4096)
	cipherBuf := make([]byte, len(plain))
	assert.NilError(t, EncryptCFB(key, iv, cipherBuf, plain))
	assert.Assert(t, !bytes.Equal(cipherBuf, plain))

	decoded := make([]byte, len(plain))
	assert.NilError(t, DecryptCFB(key, iv, decoded, cipherBuf))
	assert.DeepEqual(t, decoded, plain)
}

func TestEncryptFreshIVPerFrameProducesDifferentCiphertext(t *testing.T) {
	digest := DeriveUserKey("hunter2")
	key := AESKey(digest)
	plain := bytes.Repeat([]byte{0x11}, 64)

	iv1 := make([]byte, IVSize)
	iv2 := make([]byte, IVSize)
	assert.NilError(t, RandomBytes(iv1))
	assert.NilError(t, RandomBytes(iv2))

	out1 := make([]byte, len(plain))
	out2 := make([]byte, len(plain))
	assert.NilError(t, EncryptCFB(key, iv1, out1, plain))
	assert.NilError(t, EncryptCFB(key, iv2, out2, plain))
	assert.Assert(t, !bytes.Equal(out1, out2))
}

func TestRandomBytesFillsBuffer(t *testing.T) {
	buf := make([]byte, 32)
	assert.NilError(t, RandomBytes(buf))
	assert.Assert(t, !bytes.Equal(buf, make([]byte, 32)))
}
