// Package metadata implements the BEP-9 ut_metadata extension: fetching
// the info dictionary from peers when only a magnet link is known.
//
// Grounded on the teacher's torrent/extensions.go (ParseExtensionsHandshake,
// ParseExtensionsMetadata) generalized into a state machine that owns its
// own piece buffers rather than relying on the caller's peer struct.
package metadata

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/gobit/torrentcore/internal/bencode"
	"github.com/gobit/torrentcore/internal/metainfo"
	"github.com/gobit/torrentcore/internal/wire"
)

// LocalMetadataID is the extended-message id we advertise for
// ut_metadata in our own extended handshake.
const LocalMetadataID uint8 = 1

// metadataBlockSize is the payload size of one ut_metadata piece,
// matching the peer wire protocol's 16 KiB block size.
const metadataBlockSize = 1 << 14

// msgType values carried in the bencoded prefix of a ut_metadata message.
const (
	msgRequest uint8 = 0
	msgData    uint8 = 1
	msgReject  uint8 = 2
)

// ResultKind distinguishes the outcomes of dispatching an inbound
// ut_metadata message.
type ResultKind int

const (
	None ResultKind = iota
	SendMessage
	RequestMore
	MetadataComplete
)

// Result is the tagged output of Exchange.Dispatch.
type Result struct {
	Kind     ResultKind
	Message  wire.Message
	Messages []wire.Message
	Info     *metainfo.TorrentInfo
}

// Exchange drives one peer's ut_metadata request/response cycle.
type Exchange struct {
	infoHash       [20]byte
	peerMetadataID uint8
	metadataSize   int
	pieces         map[int][]byte
	totalPieces    int
}

// NewExchange creates metadata exchange state for a torrent known only
// by its info-hash.
func NewExchange(infoHash [20]byte) *Exchange {
	return &Exchange{infoHash: infoHash, pieces: make(map[int][]byte)}
}

// ExtendedHandshakePayload returns our outbound extended handshake:
// { "m": { "ut_metadata": LocalMetadataID } }.
func ExtendedHandshakePayload() []byte {
	v := bencode.Dict(map[string]bencode.Value{
		"m": bencode.Dict(map[string]bencode.Value{
			"ut_metadata": bencode.Int(int64(LocalMetadataID)),
		}),
	})
	return bencode.Encode(&v)
}

// Dispatch routes one inbound extended message to the handshake or data
// handler based on extID, per the BEP-10 convention that ext_id 0 is
// always the extended handshake.
func (e *Exchange) Dispatch(extID uint8, payload []byte) (Result, error) {
	if extID == 0 {
		return e.handleHandshake(payload)
	}
	if extID == LocalMetadataID {
		return e.handleData(payload)
	}
	return Result{Kind: None}, nil
}

func (e *Exchange) handleHandshake(payload []byte) (Result, error) {
	v, err := bencode.Decode(payload)
	if err != nil {
		return Result{}, fmt.Errorf("metadata: decoding extended handshake: %w", err)
	}
	mVal, ok := v.Get("m")
	if !ok {
		return Result{Kind: None}, nil
	}
	utVal, ok := mVal.Get("ut_metadata")
	if !ok {
		return Result{Kind: None}, nil
	}
	e.peerMetadataID = uint8(utVal.Int)

	sizeVal, ok := v.Get("metadata_size")
	if !ok {
		return Result{Kind: None}, nil
	}
	e.metadataSize = int(sizeVal.Int)
	e.totalPieces = (e.metadataSize + metadataBlockSize - 1) / metadataBlockSize

	msgs := make([]wire.Message, 0, e.totalPieces)
	for i := 0; i < e.totalPieces; i++ {
		req := bencode.Dict(map[string]bencode.Value{
			"msg_type": bencode.Int(int64(msgRequest)),
			"piece":    bencode.Int(int64(i)),
		})
		msgs = append(msgs, wire.NewExtended(e.peerMetadataID, bencode.Encode(&req)))
	}
	return Result{Kind: RequestMore, Messages: msgs}, nil
}

func (e *Exchange) handleData(payload []byte) (Result, error) {
	v, rng, err := bencode.DecodeWithRange(payload)
	if err != nil {
		return Result{}, fmt.Errorf("metadata: decoding ut_metadata message: %w", err)
	}
	typeVal, ok := v.Get("msg_type")
	if !ok {
		return Result{Kind: None}, nil
	}
	switch uint8(typeVal.Int) {
	case msgReject:
		return Result{Kind: None}, nil
	case msgData:
		pieceVal, ok := v.Get("piece")
		if !ok {
			return Result{Kind: None}, nil
		}
		trailing := payload[rng.End:]
		e.pieces[int(pieceVal.Int)] = trailing
		if len(e.pieces) < e.totalPieces {
			return Result{Kind: None}, nil
		}
		return e.tryAssemble()
	default:
		return Result{Kind: None}, nil
	}
}

func (e *Exchange) tryAssemble() (Result, error) {
	var buf bytes.Buffer
	for i := 0; i < e.totalPieces; i++ {
		piece, ok := e.pieces[i]
		if !ok {
			return Result{Kind: None}, nil
		}
		buf.Write(piece)
	}
	raw := buf.Bytes()
	sum := sha1.Sum(raw)
	if sum != e.infoHash {
		e.pieces = make(map[int][]byte)
		return Result{Kind: None}, nil
	}
	infoVal, err := bencode.Decode(raw)
	if err != nil {
		e.pieces = make(map[int][]byte)
		return Result{Kind: None}, fmt.Errorf("metadata: assembled info is not valid bencode: %w", err)
	}
	info, err := metainfo.ParseInfoDict(infoVal, e.infoHash)
	if err != nil {
		e.pieces = make(map[int][]byte)
		return Result{Kind: None}, fmt.Errorf("metadata: assembled info failed to parse: %w", err)
	}
	return Result{Kind: MetadataComplete, Info: info}, nil
}
