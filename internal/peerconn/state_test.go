package peerconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPeerStateInitialFlags(t *testing.T) {
	s := NewPeerState(10)
	assert.True(t, s.AmChoking)
	assert.True(t, s.PeerChoking)
	assert.False(t, s.AmInterested)
	assert.False(t, s.PeerInterested)
}

func TestCanRequestRespectsChokeAndPipelineCap(t *testing.T) {
	s := NewPeerState(10)
	assert.False(t, s.CanRequest()) // peer still choking us

	s.OnPeerUnchoke()
	assert.True(t, s.CanRequest())

	for i := 0; i < s.MaxPipelineDepth; i++ {
		s.AddRequest(BlockRequest{PieceIndex: 0, Offset: i * 16384, Length: 16384}, time.Now())
	}
	assert.False(t, s.CanRequest())
}

func TestFulfillRequestFreesPipelineSlot(t *testing.T) {
	s := NewPeerState(10)
	s.OnPeerUnchoke()
	req := BlockRequest{PieceIndex: 0, Offset: 0, Length: 16384}
	s.AddRequest(req, time.Now())
	assert.Equal(t, 1, s.PendingCount())
	s.FulfillRequest(req)
	assert.Equal(t, 0, s.PendingCount())
}

func TestTimedOutRequestsRemovesExpired(t *testing.T) {
	s := NewPeerState(10)
	s.OnPeerUnchoke()
	old := BlockRequest{PieceIndex: 0, Offset: 0, Length: 16384}
	fresh := BlockRequest{PieceIndex: 1, Offset: 0, Length: 16384}
	now := time.Now()
	s.AddRequest(old, now.Add(-40*time.Second))
	s.AddRequest(fresh, now)

	expired := s.TimedOutRequests(now, 30*time.Second)
	assert.Equal(t, []BlockRequest{old}, expired)
	assert.Equal(t, 1, s.PendingCount())
}

func TestOnPeerChokeClearsAllPending(t *testing.T) {
	s := NewPeerState(10)
	s.OnPeerUnchoke()
	s.AddRequest(BlockRequest{PieceIndex: 0, Offset: 0, Length: 16384}, time.Now())
	s.OnPeerChoke()
	assert.Equal(t, 0, s.PendingCount())
	assert.True(t, s.PeerChoking)
	assert.False(t, s.CanRequest())
}
