// Package wire implements the BEP-3 peer wire protocol: the handshake
// and the length-prefixed framed message codec, plus BEP-10 extension
// negotiation bits.
//
// Grounded on the teacher's torrent/handshake.go and torrent/extensions.go.
package wire

import (
	"fmt"
)

// Protocol is the handshake's protocol name.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed wire size of a handshake message.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Reserved extension bits.
const (
	ExtensionDHT      = 0x01 // reserved[7] bit 0, BEP-5
	ExtensionExtended = 0x10 // reserved[5] bit 4, BEP-10
)

// Handshake is the parsed 68-byte handshake message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// SupportsDHT reports whether the peer advertised BEP-5 support.
func (h Handshake) SupportsDHT() bool {
	return h.Reserved[7]&ExtensionDHT != 0
}

// SupportsExtended reports whether the peer advertised BEP-10 support.
func (h Handshake) SupportsExtended() bool {
	return h.Reserved[5]&ExtensionExtended != 0
}

// NewOutboundHandshake builds a handshake for an outbound connection,
// always advertising the extension protocol bit.
func NewOutboundHandshake(infoHash, peerID [20]byte) Handshake {
	var reserved [8]byte
	reserved[5] = ExtensionExtended
	return Handshake{InfoHash: infoHash, PeerID: peerID, Reserved: reserved}
}

// Encode serializes the handshake to its 68-byte wire form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	copy(buf[1+len(Protocol):], h.Reserved[:])
	copy(buf[1+len(Protocol)+8:], h.InfoHash[:])
	copy(buf[1+len(Protocol)+8+20:], h.PeerID[:])
	return buf
}

// DecodeHandshake parses exactly HandshakeSize bytes into a Handshake.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) < HandshakeSize {
		return Handshake{}, fmt.Errorf("wire: handshake too short: %d bytes", len(buf))
	}
	protoLen := int(buf[0])
	if protoLen != len(Protocol) {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol length %d", protoLen)
	}
	if string(buf[1:1+protoLen]) != Protocol {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol string %q", buf[1:1+protoLen])
	}
	var h Handshake
	copy(h.Reserved[:], buf[1+protoLen:1+protoLen+8])
	copy(h.InfoHash[:], buf[1+protoLen+8:1+protoLen+8+20])
	copy(h.PeerID[:], buf[1+protoLen+8+20:1+protoLen+8+40])
	return h, nil
}
