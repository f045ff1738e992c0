package torrentengine

import (
	"context"
	"crypto/sha1"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gobit/torrentcore/internal/bitfield"
	"github.com/gobit/torrentcore/internal/obs"
	"github.com/gobit/torrentcore/internal/piece"
	"github.com/gobit/torrentcore/internal/wire"
)

func fakePeer(t *testing.T, infoHash [20]byte, onMsg func(wire.Message) wire.Message) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})
	go func() {
		defer ln.Close()
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		dec := wire.NewDecoder(conn)
		hs, err := dec.ReadHandshake()
		if err != nil || hs.InfoHash != infoHash {
			return
		}
		var peerID [20]byte
		copy(peerID[:], "fake-peer-0000000001")
		resp := wire.NewOutboundHandshake(infoHash, peerID)
		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}

		for {
			msg, err := dec.ReadMessage()
			if err != nil {
				return
			}
			if msg.KeepAlive || onMsg == nil {
				continue
			}
			reply := onMsg(msg)
			if reply.ID == 0 && reply.Payload == nil && !reply.KeepAlive {
				continue
			}
			if _, err := conn.Write(reply.Encode()); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), done
}

func testManager(t *testing.T) (*PeerManager, [20]byte) {
	t.Helper()
	var infoHash, selfID [20]byte
	copy(infoHash[:], "test-info-hash-000000")
	copy(selfID[:], "self-peer-id-00000000")
	m := NewPeerManager(infoHash, selfID, Config{}, zap.NewNop().Sugar())
	return m, infoHash
}

func TestAddPeerDialsAndSendsInterested(t *testing.T) {
	m, infoHash := testManager(t)

	received := make(chan wire.ID, 4)
	addr, done := fakePeer(t, infoHash, func(msg wire.Message) wire.Message {
		received <- msg.ID
		return wire.Message{}
	})
	_ = done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.AddPeer(ctx, addr))
	assert.Equal(t, 1, m.Count())

	select {
	case id := <-received:
		assert.Equal(t, wire.Interested, id)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received interested message")
	}
}

func TestAddPeerRejectsDuplicateAddress(t *testing.T) {
	m, infoHash := testManager(t)
	addr, _ := fakePeer(t, infoHash, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.AddPeer(ctx, addr))
	require.NoError(t, m.AddPeer(ctx, addr))
	assert.Equal(t, 1, m.Count())
}

func TestAddPeerRefusesAtMaxConnections(t *testing.T) {
	m, infoHash := testManager(t)
	m.cfg.MaxConnections = 1
	addrA, _ := fakePeer(t, infoHash, nil)
	addrB, _ := fakePeer(t, infoHash, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.AddPeer(ctx, addrA))
	err := m.AddPeer(ctx, addrB)
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestHandleMessageUnchokeTriggersFill(t *testing.T) {
	pieceData := []byte("0123456789abcdef") // 16 bytes, one tiny piece
	sum := sha1.Sum(pieceData)

	m, infoHash := testManager(t)
	myHave := bitfield.New(1)
	picker := piece.NewPicker(1)
	assembler := piece.NewAssembler(len(pieceData), int64(len(pieceData)), sum[:])
	m.InstallContentStack(myHave, picker, assembler)

	requested := make(chan wire.Message, 4)
	addr, _ := fakePeer(t, infoHash, func(msg wire.Message) wire.Message {
		if msg.ID == wire.Request {
			requested <- msg
			idx, off, _, _ := msg.RequestFields()
			return wire.NewPiece(idx, off, pieceData)
		}
		return wire.Message{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.AddPeer(ctx, addr))

	peerBits := bitfield.New(1)
	peerBits.Set(0)
	m.handleMessage(addr, wire.NewBitfield(peerBits.Bytes()))
	m.handleMessage(addr, wire.NewUnchoke())

	select {
	case <-requested:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received a block request")
	}

	require.Eventually(t, func() bool {
		return assembler.Completed().Get(0)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAssemblerMarksCorruptPieceIncomplete(t *testing.T) {
	want := sha1.Sum([]byte("correct-bytes-16"))
	m, _ := testManager(t)
	myHave := bitfield.New(1)
	picker := piece.NewPicker(1)
	assembler := piece.NewAssembler(16, 16, want[:])
	m.InstallContentStack(myHave, picker, assembler)

	assembler.StartPiece(0)
	assembler.AddBlock(0, 0, []byte("wrong-bytes-xxxx"))
	result, err := assembler.CompletePiece(0)
	require.NoError(t, err)
	assert.Equal(t, piece.Corrupt, result)
	assert.False(t, assembler.Completed().Get(0))
}

func TestChokeRoundUnchokesTopRates(t *testing.T) {
	m, infoHash := testManager(t)

	var sentA, sentB []wire.ID
	addrA, _ := fakePeer(t, infoHash, func(msg wire.Message) wire.Message { return wire.Message{} })
	addrB, _ := fakePeer(t, infoHash, func(msg wire.Message) wire.Message { return wire.Message{} })
	_ = sentA
	_ = sentB

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.AddPeer(ctx, addrA))
	require.NoError(t, m.AddPeer(ctx, addrB))

	m.mu.Lock()
	m.peers[addrA].downloaded.Store(1000)
	m.peers[addrB].downloaded.Store(10)
	m.mu.Unlock()

	m.ChokeRound(1)

	m.mu.Lock()
	aUnchoked := m.peers[addrA].amUnchoking
	bUnchoked := m.peers[addrB].amUnchoking
	m.mu.Unlock()
	assert.True(t, aUnchoked)
	// b misses the single rate-ranked slot but takes the optimistic-unchoke slot.
	assert.True(t, bUnchoked)
	assert.Equal(t, addrB, m.optimisticKey)
}

func TestConfigDefaultsApplied(t *testing.T) {
	cfg := Config{}.applyDefaults()
	assert.Equal(t, 50, cfg.MaxConnections)
	assert.Greater(t, cfg.MaxPipelineDepth, 0)
	assert.Greater(t, cfg.ChokeRoundInterval, time.Duration(0))
	assert.Greater(t, cfg.OptimisticUnchokeRounds, 0)
}

func TestAddPeerWrapsDialFailureAsIoError(t *testing.T) {
	m, _ := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := m.AddPeer(ctx, "127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, obs.Kind(obs.IoErrorKind)))
}
