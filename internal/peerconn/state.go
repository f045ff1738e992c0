// Package peerconn holds per-peer protocol state and the transport that
// carries framed wire messages over a single TCP connection.
//
// Grounded on the teacher's peer.go (choke tracking, request pipelining)
// generalized to the serialized-agent ownership model: a PeerState is
// mutated only by its owning peer manager.
package peerconn

import (
	"time"

	"github.com/gobit/torrentcore/internal/bitfield"
)

// DefaultMaxPipelineDepth is the default cap on simultaneous outstanding
// block requests to a single peer.
const DefaultMaxPipelineDepth = 5

// DefaultRequestTimeout is how long a pending request may go unanswered
// before it is considered forfeit.
const DefaultRequestTimeout = 30 * time.Second

// BlockRequest identifies one outstanding block request.
type BlockRequest struct {
	PieceIndex int
	Offset     int
	Length     int
}

// PeerState tracks the BEP-3 choke/interest flags, the peer's bitfield
// and the pipeline of outstanding block requests for one connection.
type PeerState struct {
	AmChoking       bool
	AmInterested    bool
	PeerChoking     bool
	PeerInterested  bool
	PeerBitfield    *bitfield.Bitfield
	MaxPipelineDepth int

	pending map[BlockRequest]time.Time
}

// NewPeerState creates state for a newly connected peer: choked and
// uninterested in both directions, per spec.
func NewPeerState(pieceCount int) *PeerState {
	return &PeerState{
		AmChoking:        true,
		AmInterested:     false,
		PeerChoking:      true,
		PeerInterested:   false,
		PeerBitfield:     bitfield.New(pieceCount),
		MaxPipelineDepth: DefaultMaxPipelineDepth,
		pending:          make(map[BlockRequest]time.Time),
	}
}

// CanRequest reports whether a new block request may be enqueued: the
// peer must not be choking us and the pipeline must be below capacity.
func (s *PeerState) CanRequest() bool {
	return !s.PeerChoking && len(s.pending) < s.MaxPipelineDepth
}

// PendingCount returns the number of outstanding requests.
func (s *PeerState) PendingCount() int {
	return len(s.pending)
}

// AddRequest enqueues req as pending at time now.
func (s *PeerState) AddRequest(req BlockRequest, now time.Time) {
	s.pending[req] = now
}

// FulfillRequest removes req from pending, on receipt of the matching piece.
func (s *PeerState) FulfillRequest(req BlockRequest) {
	delete(s.pending, req)
}

// TimedOutRequests returns pending requests enqueued before
// now.Add(-timeout), removing them from the pending set — the caller
// (peer manager) treats those as forfeit and may re-offer them to the
// picker.
func (s *PeerState) TimedOutRequests(now time.Time, timeout time.Duration) []BlockRequest {
	var expired []BlockRequest
	cutoff := now.Add(-timeout)
	for req, enqueuedAt := range s.pending {
		if enqueuedAt.Before(cutoff) {
			expired = append(expired, req)
		}
	}
	for _, req := range expired {
		delete(s.pending, req)
	}
	return expired
}

// OnPeerChoke clears all pending requests: BEP-3 semantics say they are
// void once the peer starts choking us.
func (s *PeerState) OnPeerChoke() {
	s.PeerChoking = true
	s.pending = make(map[BlockRequest]time.Time)
}

// OnPeerUnchoke marks the peer as no longer choking; refilling the
// pipeline is the manager's job.
func (s *PeerState) OnPeerUnchoke() {
	s.PeerChoking = false
}
