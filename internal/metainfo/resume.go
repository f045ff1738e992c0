package metainfo

import (
	"bytes"
	"encoding/hex"
	"fmt"

	bencodego "github.com/jackpal/bencode-go"
)

// ResumeData is the bencoded boundary format for persisting and
// restoring a torrent's download progress across restarts.
//
// Grounded on the teacher's torrent/state.go DownloadState, adapted to
// use struct-tag bencoding (github.com/jackpal/bencode-go) instead of
// JSON, since resume data is defined as a bencoded dictionary.
type ResumeData struct {
	InfoHashHex string   `bencode:"info_hash"`
	Name        string   `bencode:"name"`
	OutputDir   string   `bencode:"output_dir"`
	TotalPieces int      `bencode:"total_pieces"`
	PieceLength int      `bencode:"piece_length"`
	TotalSize   int64    `bencode:"total_size"`
	Downloaded  string   `bencode:"downloaded"` // packed bitfield bytes
	Peers       []string `bencode:"peers"`
}

// NewResumeData builds resume data for a freshly started torrent.
func NewResumeData(info *TorrentInfo, outputDir string) *ResumeData {
	return &ResumeData{
		InfoHashHex: hex.EncodeToString(info.InfoHash[:]),
		Name:        info.Name,
		OutputDir:   outputDir,
		TotalPieces: info.PieceCount(),
		PieceLength: info.PieceLength,
		TotalSize:   info.TotalSize,
		Downloaded:  string(make([]byte, (info.PieceCount()+7)/8)),
	}
}

// Encode serializes r to its bencoded wire form.
func (r *ResumeData) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencodego.Marshal(&buf, *r); err != nil {
		return nil, fmt.Errorf("metainfo: encoding resume data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResumeData parses previously-encoded resume data.
func DecodeResumeData(raw []byte) (*ResumeData, error) {
	var r ResumeData
	if err := bencodego.Unmarshal(bytes.NewReader(raw), &r); err != nil {
		return nil, fmt.Errorf("metainfo: decoding resume data: %w", err)
	}
	return &r, nil
}

// InfoHash decodes the stored hex info-hash back to bytes.
func (r *ResumeData) InfoHash() ([20]byte, error) {
	var hash [20]byte
	decoded, err := hex.DecodeString(r.InfoHashHex)
	if err != nil {
		return hash, fmt.Errorf("metainfo: resume data has invalid info_hash: %w", err)
	}
	if len(decoded) != 20 {
		return hash, fmt.Errorf("metainfo: resume data info_hash has length %d, want 20", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}
