package wire

import (
	"encoding/binary"
	"fmt"
)

// ID identifies a framed message type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
	Extended      ID = 20
)

// valid reports whether id is one of the known BEP-3/BEP-10 message ids.
// Any other id is rejected as a protocol error.
func (id ID) valid() bool {
	switch id {
	case Choke, Unchoke, Interested, NotInterested, Have, BitfieldMsg, Request, Piece, Cancel, Port, Extended:
		return true
	default:
		return false
	}
}

// Message is a single decoded framed message. KeepAlive is true for the
// zero-length framing with no id/payload.
type Message struct {
	KeepAlive bool
	ID        ID
	Payload   []byte
}

// Encode serializes a message to its length-prefixed wire form.
func (m Message) Encode() []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

func NewRequest(index, begin, length uint32) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return Message{ID: Request, Payload: payload}
}

func NewCancel(index, begin, length uint32) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

func NewHave(index uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return Message{ID: Have, Payload: payload}
}

func NewBitfield(bits []byte) Message {
	return Message{ID: BitfieldMsg, Payload: bits}
}

func NewPiece(index, begin uint32, block []byte) Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return Message{ID: Piece, Payload: payload}
}

func NewExtended(extID uint8, payload []byte) Message {
	buf := make([]byte, 1+len(payload))
	buf[0] = extID
	copy(buf[1:], payload)
	return Message{ID: Extended, Payload: buf}
}

func simple(id ID) Message { return Message{ID: id} }

func NewChoke() Message         { return simple(Choke) }
func NewUnchoke() Message       { return simple(Unchoke) }
func NewInterested() Message    { return simple(Interested) }
func NewNotInterested() Message { return simple(NotInterested) }
func NewKeepAlive() Message     { return Message{KeepAlive: true} }

// RequestFields unpacks a request or cancel message's fixed 12-byte payload.
func (m Message) RequestFields() (index, begin, length uint32, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request/cancel payload must be 12 bytes, got %d", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// PieceFields unpacks a piece message's index, begin and block.
func (m Message) PieceFields() (index, begin uint32, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: piece payload too short: %d bytes", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	return index, begin, m.Payload[8:], nil
}

// HaveIndex unpacks a have message's piece index.
func (m Message) HaveIndex() (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("wire: have payload must be 4 bytes, got %d", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// ExtendedFields splits an extended message's id byte from its payload.
func (m Message) ExtendedFields() (extID uint8, payload []byte, err error) {
	if len(m.Payload) < 1 {
		return 0, nil, fmt.Errorf("wire: extended payload must have at least 1 byte")
	}
	return m.Payload[0], m.Payload[1:], nil
}
