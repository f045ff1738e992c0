package piece

import (
	"crypto/sha1"
	"fmt"

	"github.com/gobit/torrentcore/internal/bitfield"
)

// VerifyResult reports the outcome of completing a piece.
type VerifyResult int

const (
	Verified VerifyResult = iota
	Corrupt
)

// Assembler buffers in-flight piece data and verifies completed pieces
// against the torrent's SHA-1 piece hashes.
//
// Grounded on spec.md §4.4: a piece is either absent, in-progress with a
// growing buffer, or complete; completion requires a SHA-1 match, and a
// mismatch discards the buffer and returns the piece to absent.
type Assembler struct {
	pieceLength int
	totalSize   int64
	pieceHashes []byte // concatenated 20-byte SHA-1s
	completed   *bitfield.Bitfield
	inProgress  map[int][]byte
}

// NewAssembler constructs an assembler for a torrent with the given
// piece length, total content size and concatenated piece hashes.
func NewAssembler(pieceLength int, totalSize int64, pieceHashes []byte) *Assembler {
	pieceCount := len(pieceHashes) / 20
	return &Assembler{
		pieceLength: pieceLength,
		totalSize:   totalSize,
		pieceHashes: pieceHashes,
		completed:   bitfield.New(pieceCount),
		inProgress:  make(map[int][]byte),
	}
}

// ExpectedPieceSize returns the expected byte length of piece i: the
// configured piece length, except for the final (possibly short) piece.
func (a *Assembler) ExpectedPieceSize(i int) int {
	remaining := a.totalSize - int64(i)*int64(a.pieceLength)
	if remaining < int64(a.pieceLength) {
		return int(remaining)
	}
	return a.pieceLength
}

// StartPiece creates an empty in-progress buffer for piece i. Idempotent.
func (a *Assembler) StartPiece(i int) {
	if _, ok := a.inProgress[i]; ok {
		return
	}
	if a.completed.Get(i) {
		return
	}
	a.inProgress[i] = nil
}

// AddBlock writes data into piece i's buffer at offset, growing and
// zero-padding the buffer as needed.
func (a *Assembler) AddBlock(i, offset int, data []byte) {
	buf, ok := a.inProgress[i]
	if !ok {
		a.StartPiece(i)
		buf = a.inProgress[i]
	}
	needed := offset + len(data)
	if len(buf) < needed {
		grown := make([]byte, needed)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	a.inProgress[i] = buf
}

// CompletePiece verifies piece i's buffer against its expected hash.
func (a *Assembler) CompletePiece(i int) (VerifyResult, error) {
	buf, ok := a.inProgress[i]
	if !ok {
		return Corrupt, fmt.Errorf("piece: no in-progress buffer for piece %d", i)
	}
	expected := a.ExpectedPieceSize(i)
	if len(buf) < expected {
		return Corrupt, fmt.Errorf("piece: buffer for piece %d is short: have %d, want %d", i, len(buf), expected)
	}
	sum := sha1.Sum(buf[:expected])
	want := a.pieceHashes[i*20 : (i+1)*20]
	delete(a.inProgress, i)
	if string(sum[:]) != string(want) {
		return Corrupt, nil
	}
	a.completed.Set(i)
	return Verified, nil
}

// Progress returns the fraction of pieces completed, in [0, 1].
func (a *Assembler) Progress() float64 {
	if a.completed.Len() == 0 {
		return 0
	}
	return float64(a.completed.PopCount()) / float64(a.completed.Len())
}

// IsComplete reports whether every piece has been verified.
func (a *Assembler) IsComplete() bool {
	return a.completed.AllSet()
}

// Completed returns the bitfield of verified pieces; callers must not
// mutate the returned value.
func (a *Assembler) Completed() *bitfield.Bitfield {
	return a.completed
}

// BufferLen reports how many bytes are currently buffered for piece i,
// or 0 if it is not in progress.
func (a *Assembler) BufferLen(i int) int {
	return len(a.inProgress[i])
}

// IsInProgress reports whether piece i has an open buffer.
func (a *Assembler) IsInProgress(i int) bool {
	_, ok := a.inProgress[i]
	return ok
}

// PendingBytes returns the buffer currently held for piece i, truncated
// to its expected size. Callers needing the verified bytes for disk
// placement must read this before CompletePiece, which discards the
// buffer regardless of verification outcome.
func (a *Assembler) PendingBytes(i int) []byte {
	buf, ok := a.inProgress[i]
	if !ok {
		return nil
	}
	expected := a.ExpectedPieceSize(i)
	if len(buf) < expected {
		return nil
	}
	out := make([]byte, expected)
	copy(out, buf[:expected])
	return out
}
