// Package torrentengine implements the per-torrent peer manager and
// controller: the orchestrator that routes peer-wire messages into piece
// state and back into block requests, drives the choking algorithm, and
// wires tracker/DHT/metadata-exchange results together.
//
// Grounded on the teacher's peer.go (DownloadPieces) and client.go
// (downloadPieces), generalized from the teacher's one-shot,
// channel-per-piece worker model into a persistent peer pool with a
// rarest-first picker, hash-verified assembler and a real choking
// algorithm, per spec.md §4.6.
package torrentengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/gobit/torrentcore/internal/bitfield"
	"github.com/gobit/torrentcore/internal/metadata"
	"github.com/gobit/torrentcore/internal/metainfo"
	"github.com/gobit/torrentcore/internal/obs"
	"github.com/gobit/torrentcore/internal/peerconn"
	"github.com/gobit/torrentcore/internal/piece"
	"github.com/gobit/torrentcore/internal/wire"
)

const blockSize = 1 << 14

// Config tunes a PeerManager's pipeline and choking behavior.
type Config struct {
	MaxConnections          int
	MaxPipelineDepth        int
	RequestTimeout          time.Duration
	ChokeRoundInterval      time.Duration
	OptimisticUnchokeRounds int
}

func (c Config) applyDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.MaxPipelineDepth == 0 {
		c.MaxPipelineDepth = peerconn.DefaultMaxPipelineDepth
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = peerconn.DefaultRequestTimeout
	}
	if c.ChokeRoundInterval == 0 {
		c.ChokeRoundInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeRounds == 0 {
		c.OptimisticUnchokeRounds = 3
	}
	return c
}

type peerEntry struct {
	transport   *peerconn.Transport
	state       *peerconn.PeerState
	downloaded  atomic.Int64
	amUnchoking bool
}

// PeerManager owns every peer connection for one torrent: connections,
// peer states and peer-advertised bitfields, all mutated under a single
// lock per spec.md §4.6's single-writer requirement.
type PeerManager struct {
	infoHash [20]byte
	selfID   [20]byte
	cfg      Config
	log      *zap.SugaredLogger

	mu      sync.Mutex
	peers   map[string]*peerEntry
	numHave int

	myHave    *bitfield.Bitfield
	picker    *piece.Picker
	assembler *piece.Assembler
	metaEx    *metadata.Exchange

	onPieceFinished func(index int, data []byte)
	onMetadataReady func(info *metainfo.TorrentInfo)

	optimisticRound int
	optimisticKey   string
}

// NewPeerManager creates an empty manager for one torrent. The content
// stack (picker, assembler) is installed separately once it is known —
// immediately for a .torrent file, or after metadata exchange completes
// for a magnet link.
func NewPeerManager(infoHash, selfID [20]byte, cfg Config, log *zap.SugaredLogger) *PeerManager {
	return &PeerManager{
		infoHash: infoHash,
		selfID:   selfID,
		cfg:      cfg.applyDefaults(),
		log:      log,
		peers:    make(map[string]*peerEntry),
	}
}

// InstallContentStack wires in the piece picker and assembler once the
// torrent's metadata is known, enabling the fill algorithm.
func (m *PeerManager) InstallContentStack(myHave *bitfield.Bitfield, picker *piece.Picker, assembler *piece.Assembler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.myHave = myHave
	m.picker = picker
	m.assembler = assembler
}

// InstallMetadataExchange wires in a BEP-9 exchange for magnet-link
// bootstrap, used until InstallContentStack replaces it.
func (m *PeerManager) InstallMetadataExchange(ex *metadata.Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metaEx = ex
}

// OnPieceFinished registers a callback fired after a piece verifies,
// carrying the piece's verified bytes for disk placement.
func (m *PeerManager) OnPieceFinished(fn func(index int, data []byte)) { m.onPieceFinished = fn }

// OnMetadataReady registers a callback fired when the metadata exchange
// completes, carrying the fully parsed torrent metadata.
func (m *PeerManager) OnMetadataReady(fn func(info *metainfo.TorrentInfo)) { m.onMetadataReady = fn }

// Count returns the number of currently tracked peer connections.
func (m *PeerManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// progress returns the fraction of pieces verified, or 0 before a
// content stack is installed.
func (m *PeerManager) progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assembler == nil {
		return 0
	}
	return m.assembler.Progress()
}

// assemblerComplete reports whether every piece has verified, or false
// before a content stack is installed.
func (m *PeerManager) assemblerComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assembler != nil && m.assembler.IsComplete()
}

// AddPeer dials addr and, on success, registers it as a tracked
// connection. It refuses new connections once MaxConnections is reached.
func (m *PeerManager) AddPeer(ctx context.Context, addr string) error {
	m.mu.Lock()
	if _, exists := m.peers[addr]; exists {
		m.mu.Unlock()
		return nil
	}
	if len(m.peers) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return obs.Wrap(obs.NotConnectedErrorKind, "AddPeer", fmt.Errorf("at max connections (%d)", m.cfg.MaxConnections))
	}
	m.mu.Unlock()

	t, _, err := peerconn.Dial(ctx, peerconn.DialOptions{
		Address:  addr,
		Timeout:  5 * time.Second,
		InfoHash: m.infoHash,
		PeerID:   m.selfID,
	}, m.log)
	if err != nil {
		return obs.Wrap(obs.IoErrorKind, "AddPeer", err)
	}

	m.mu.Lock()
	pieceCount := 0
	if m.assembler != nil {
		pieceCount = m.assembler.Completed().Len()
	}
	m.mu.Unlock()

	state := peerconn.NewPeerState(pieceCount)
	state.MaxPipelineDepth = m.cfg.MaxPipelineDepth
	entry := &peerEntry{transport: t, state: state}

	m.mu.Lock()
	if len(m.peers) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		t.Close()
		return obs.Wrap(obs.NotConnectedErrorKind, "AddPeer", fmt.Errorf("at max connections (%d)", m.cfg.MaxConnections))
	}
	m.peers[addr] = entry
	m.mu.Unlock()

	t.OnMessage(func(msg wire.Message) { m.handleMessage(addr, msg) })
	t.OnDisconnect(func(err error) { m.handleDisconnect(addr, err) })

	go t.Run(ctx)

	t.Send(wire.NewInterested())
	entry.state.AmInterested = true

	if m.metaEx != nil {
		t.Send(wire.NewExtended(0, metadata.ExtendedHandshakePayload()))
	}
	return nil
}

func (m *PeerManager) handleDisconnect(addr string, err error) {
	m.mu.Lock()
	entry, ok := m.peers[addr]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, addr)
	m.mu.Unlock()

	if entry.state.PeerBitfield != nil && m.picker != nil {
		m.picker.RemovePeerBitfield(entry.state.PeerBitfield)
	}
	m.log.Debugw("peer disconnected", "addr", addr, "error", err)
}

func (m *PeerManager) handleMessage(addr string, msg wire.Message) {
	m.mu.Lock()
	entry, ok := m.peers[addr]
	m.mu.Unlock()
	if !ok {
		return
	}

	switch msg.ID {
	case wire.BitfieldMsg:
		count := 0
		if m.assembler != nil {
			count = m.assembler.Completed().Len()
		}
		bf := bitfield.FromBytes(msg.Payload, count)
		entry.state.PeerBitfield = bf
		if m.picker != nil {
			m.picker.AddPeerBitfield(bf)
		}
		m.tryFill(addr)

	case wire.Have:
		idxU32, err := msg.HaveIndex()
		if err != nil {
			return
		}
		idx := int(idxU32)
		if entry.state.PeerBitfield == nil && m.assembler != nil {
			entry.state.PeerBitfield = bitfield.New(m.assembler.Completed().Len())
		}
		if entry.state.PeerBitfield != nil {
			entry.state.PeerBitfield.Set(idx)
		}
		if m.picker != nil {
			m.picker.AddHave(idx)
		}
		m.tryFill(addr)

	case wire.Choke:
		entry.state.OnPeerChoke()

	case wire.Unchoke:
		entry.state.OnPeerUnchoke()
		m.tryFill(addr)

	case wire.Interested:
		entry.state.PeerInterested = true

	case wire.NotInterested:
		entry.state.PeerInterested = false

	case wire.Piece:
		m.handlePiece(addr, entry, msg)

	case wire.Extended:
		m.handleExtended(addr, entry, msg)
	}
}

func (m *PeerManager) handlePiece(addr string, entry *peerEntry, msg wire.Message) {
	idxU32, offU32, data, err := msg.PieceFields()
	if err != nil {
		return
	}
	idx, off := int(idxU32), int(offU32)
	entry.state.FulfillRequest(peerconn.BlockRequest{PieceIndex: idx, Offset: off, Length: len(data)})
	entry.downloaded.Add(int64(len(data)))

	m.mu.Lock()
	assembler := m.assembler
	m.mu.Unlock()
	if assembler == nil {
		return
	}
	assembler.AddBlock(idx, off, data)
	if assembler.BufferLen(idx) >= assembler.ExpectedPieceSize(idx) {
		pieceBytes := assembler.PendingBytes(idx)
		result, err := assembler.CompletePiece(idx)
		if err != nil {
			m.log.Debugw("piece verify error", "index", idx, "error", err)
		} else if result == piece.Verified {
			if m.myHave != nil {
				m.myHave.Set(idx)
			}
			m.broadcastHave(idx)
			if m.onPieceFinished != nil {
				m.onPieceFinished(idx, pieceBytes)
			}
		}
	}
	m.tryFill(addr)
}

func (m *PeerManager) handleExtended(addr string, entry *peerEntry, msg wire.Message) {
	extID, payload, err := msg.ExtendedFields()
	if err != nil {
		return
	}
	m.mu.Lock()
	ex := m.metaEx
	m.mu.Unlock()
	if ex == nil {
		return
	}
	result, err := ex.Dispatch(extID, payload)
	if err != nil {
		m.log.Debugw("metadata dispatch error", "addr", addr, "error", err)
		return
	}
	switch result.Kind {
	case metadata.SendMessage:
		entry.transport.Send(result.Message)
	case metadata.RequestMore:
		for _, out := range result.Messages {
			entry.transport.Send(out)
		}
	case metadata.MetadataComplete:
		if m.onMetadataReady != nil {
			m.onMetadataReady(result.Info)
		}
	}
}

// broadcastHave sends have(idx) to every currently connected peer, per
// spec.md §4.6's HAVE broadcast rule.
func (m *PeerManager) broadcastHave(idx int) {
	m.mu.Lock()
	targets := make([]*peerEntry, 0, len(m.peers))
	for _, e := range m.peers {
		targets = append(targets, e)
	}
	m.mu.Unlock()
	for _, e := range targets {
		e.transport.Send(wire.NewHave(uint32(idx)))
	}
}

// tryFill runs one fill cycle for addr: request blocks of a single
// picked piece, up to the pipeline cap.
func (m *PeerManager) tryFill(addr string) {
	m.mu.Lock()
	entry, ok := m.peers[addr]
	picker, assembler, myHave := m.picker, m.assembler, m.myHave
	m.mu.Unlock()
	if !ok || picker == nil || assembler == nil || myHave == nil {
		return
	}
	state := entry.state
	if state.PeerChoking || !state.CanRequest() {
		return
	}
	if state.PeerBitfield == nil {
		return
	}

	idx, found := picker.Pick(myHave, state.PeerBitfield)
	if !found {
		return
	}
	if !assembler.IsInProgress(idx) && !assembler.Completed().Get(idx) {
		assembler.StartPiece(idx)
	}

	size := assembler.ExpectedPieceSize(idx)
	for off := 0; off < size && state.CanRequest(); off += blockSize {
		length := blockSize
		if off+length > size {
			length = size - off
		}
		req := peerconn.BlockRequest{PieceIndex: idx, Offset: off, Length: length}
		state.AddRequest(req, time.Now())
		entry.transport.Send(wire.NewRequest(uint32(idx), uint32(off), uint32(length)))
	}
}

// ChokeRound re-evaluates which peers are unchoked: the top
// rate-ranked peers plus one rotating optimistic-unchoke slot, per
// spec.md §4.6. It sends choke/unchoke messages only on transitions.
func (m *PeerManager) ChokeRound(unchokeSlots int) {
	m.mu.Lock()
	type ranked struct {
		addr  string
		entry *peerEntry
		rate  int64
	}
	all := make([]ranked, 0, len(m.peers))
	for addr, e := range m.peers {
		all = append(all, ranked{addr, e, e.downloaded.Load()})
	}
	m.mu.Unlock()

	if len(all) == 0 {
		return
	}

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].rate > all[i].rate {
				all[i], all[j] = all[j], all[i]
			}
		}
	}

	unchoke := make(map[string]bool, unchokeSlots+1)
	for i := 0; i < unchokeSlots && i < len(all); i++ {
		unchoke[all[i].addr] = true
	}

	m.optimisticRound++
	if m.optimisticRound >= m.cfg.OptimisticUnchokeRounds || m.optimisticKey == "" || !m.peerExists(m.optimisticKey) {
		m.optimisticRound = 0
		for _, r := range all {
			if !unchoke[r.addr] {
				m.optimisticKey = r.addr
				break
			}
		}
	}
	if m.optimisticKey != "" {
		unchoke[m.optimisticKey] = true
	}

	for _, r := range all {
		want := unchoke[r.addr]
		if want && !r.entry.amUnchoking {
			r.entry.transport.Send(wire.NewUnchoke())
			r.entry.amUnchoking = true
		} else if !want && r.entry.amUnchoking {
			r.entry.transport.Send(wire.NewChoke())
			r.entry.amUnchoking = false
		}
		r.entry.downloaded.Store(0)
	}
}

func (m *PeerManager) peerExists(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[addr]
	return ok
}

// TimeoutSweep evicts requests that have been pending longer than
// RequestTimeout and re-triggers fill for every affected peer.
func (m *PeerManager) TimeoutSweep() {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.peers))
	entries := make([]*peerEntry, 0, len(m.peers))
	for addr, e := range m.peers {
		addrs = append(addrs, addr)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	now := time.Now()
	for i, e := range entries {
		expired := e.state.TimedOutRequests(now, m.cfg.RequestTimeout)
		if len(expired) > 0 {
			m.tryFill(addrs[i])
		}
	}
}
