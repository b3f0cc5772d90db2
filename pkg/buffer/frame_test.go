package buffer

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestFrameWriteReadRoundtrip(t *testing.T) {
	f := New(RelaySize)
	assert.Equal(t, f.Cap(), RelaySize)
	assert.Equal(t, f.WritableRemaining(), RelaySize)

	n := copy(f.WriteAt(), []byte("hello"))
	f.CommitWrite(n)
	assert.Equal(t, f.DataLen(), 5)
	assert.Equal(t, string(f.DataAt()), "hello")

	f.CommitRead(5)
	assert.Equal(t, f.DataLen(), 0)
	assert.Equal(t, f.WritableRemaining(), RelaySize)
}

func TestFramePartialReadDoesNotShift(t *testing.T) {
	f := New(16)
	n := copy(f.WriteAt(), []byte("abcdefgh"))
	f.CommitWrite(n)

	f.CommitRead(3)
	assert.Equal(t, string(f.DataAt()), "defgh")
	assert.Equal(t, f.WritableRemaining(), 16-8)
}

func TestFrameFull(t *testing.T) {
	f := New(4)
	assert.Assert(t, !f.Full())
	f.CommitWrite(4)
	assert.Assert(t, f.Full())
}

func TestFrameSetWindowExposesSubRegion(t *testing.T) {
	f := New(16)
	copy(f.WriteAt(), []byte("0123456789ABCDEF"))
	f.CommitWrite(16)

	f.SetWindow(2, 5)
	assert.Equal(t, string(f.DataAt()), "23456")
	f.CommitRead(5)
	assert.Equal(t, f.DataLen(), 0)
	assert.Equal(t, f.WritableRemaining(), 16)
}

func TestFrameCommitWriteOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	f := New(4)
	f.CommitWrite(5)
}

func TestFrameCommitReadOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	f := New(4)
	f.CommitRead(1)
}
