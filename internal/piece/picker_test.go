package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobit/torrentcore/internal/bitfield"
)

func allSet(count int, indices ...int) *bitfield.Bitfield {
	bf := bitfield.New(count)
	for _, i := range indices {
		bf.Set(i)
	}
	return bf
}

func TestPickReturnsRarestAvailable(t *testing.T) {
	p := NewPicker(4)
	peerA := allSet(4, 0, 1, 2, 3)
	peerB := allSet(4, 0, 1)
	p.AddPeerBitfield(peerA)
	p.AddPeerBitfield(peerB)
	// availability: [2,2,1,1]

	myHave := bitfield.New(4)
	peerHas := allSet(4, 0, 1, 2, 3)
	idx, ok := p.Pick(myHave, peerHas)
	require.True(t, ok)
	assert.Equal(t, 2, idx) // piece 2 has lowest availability, smallest index among ties
}

func TestPickTieBreaksOnSmallestIndex(t *testing.T) {
	p := NewPicker(3)
	myHave := bitfield.New(3)
	peerHas := allSet(3, 0, 1, 2)
	idx, ok := p.Pick(myHave, peerHas)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestPickExcludesAlreadyHave(t *testing.T) {
	p := NewPicker(2)
	myHave := allSet(2, 0)
	peerHas := allSet(2, 0, 1)
	idx, ok := p.Pick(myHave, peerHas)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestPickNoneWhenNoCandidate(t *testing.T) {
	p := NewPicker(2)
	myHave := allSet(2, 0, 1)
	peerHas := allSet(2, 0, 1)
	_, ok := p.Pick(myHave, peerHas)
	assert.False(t, ok)
}

func TestRemovePeerBitfieldSaturatesAtZero(t *testing.T) {
	p := NewPicker(1)
	bf := allSet(1, 0)
	p.RemovePeerBitfield(bf) // no prior add; must not go negative
	assert.Equal(t, 0, p.Availability(0))
}

func TestPickMultipleStableSortByAvailability(t *testing.T) {
	p := NewPicker(4)
	p.AddHave(3)
	p.AddHave(3)
	p.AddHave(1)

	myHave := bitfield.New(4)
	peerHas := allSet(4, 0, 1, 2, 3)
	got := p.PickMultiple(myHave, peerHas, 3)
	// availability: 0:0 1:1 2:0 3:2 -> order by (avail, index): 0,2,1
	assert.Equal(t, []int{0, 2, 1}, got)
}
