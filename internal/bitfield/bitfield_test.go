package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	bf := New(20)
	bf.Set(0)
	bf.Set(7)
	bf.Set(19)
	assert.True(t, bf.Get(0))
	assert.True(t, bf.Get(7))
	assert.True(t, bf.Get(19))
	assert.False(t, bf.Get(1))
}

func TestWireByteOrder(t *testing.T) {
	// bit 7 of byte 0 is piece 0 (big-endian bit order within a byte)
	bf := New(8)
	bf.Set(0)
	require.Equal(t, []byte{0x80}, bf.Bytes())
	bf2 := New(8)
	bf2.Set(7)
	require.Equal(t, []byte{0x01}, bf2.Bytes())
}

func TestFromBytesRoundTrip(t *testing.T) {
	bf := New(12)
	bf.Set(0)
	bf.Set(5)
	bf.Set(11)
	rebuilt := FromBytes(bf.Bytes(), 12)
	assert.Equal(t, bf.Bytes(), rebuilt.Bytes())
	assert.True(t, rebuilt.Get(0))
	assert.True(t, rebuilt.Get(5))
	assert.True(t, rebuilt.Get(11))
}

func TestOutOfRangeIsSilentNoOp(t *testing.T) {
	bf := New(4)
	assert.False(t, bf.Get(100))
	assert.False(t, bf.Get(-1))
	bf.Set(100) // must not panic
	bf.Clear(100)
	assert.Equal(t, 0, bf.PopCount())
}

func TestPopCount(t *testing.T) {
	bf := New(16)
	for _, i := range []int{1, 2, 3, 15} {
		bf.Set(i)
	}
	assert.Equal(t, 4, bf.PopCount())
	bf.Clear(2)
	assert.Equal(t, 3, bf.PopCount())
}

func TestAllSet(t *testing.T) {
	bf := New(3)
	assert.False(t, bf.AllSet())
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	assert.True(t, bf.AllSet())
}

func TestClone(t *testing.T) {
	bf := New(8)
	bf.Set(3)
	clone := bf.Clone()
	clone.Set(4)
	assert.False(t, bf.Get(4))
	assert.True(t, clone.Get(4))
}
