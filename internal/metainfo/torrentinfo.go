// Package metainfo parses .torrent files and magnet URIs into the
// immutable TorrentInfo value, and serializes/restores resume data.
//
// Grounded on the teacher's info.go (TorrentInfo/SubFile/ParseInfo) and
// magnet.go (ParseMagnet), generalized to use internal/bencode instead
// of the teacher's private bencode type, and to compute the info-hash by
// byte-range extraction rather than re-encoding.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"

	"github.com/gobit/torrentcore/internal/bencode"
)

// File is one entry in a multi-file torrent's ordered file list.
type File struct {
	Path   string
	Length int64
	Offset int64 // cumulative byte offset within the logical content
}

// TorrentInfo is the immutable, parsed form of a torrent's info
// dictionary, shared by .torrent parsing and metadata-exchange
// completion (BEP-9).
type TorrentInfo struct {
	InfoHash     [20]byte
	Name         string
	PieceLength  int
	Pieces       []byte // concatenated 20-byte SHA-1s
	TotalSize    int64
	Files        []File
	IsPrivate    bool
	Announce     string
	AnnounceList [][]string
}

// PieceCount returns the number of pieces described by Pieces.
func (t *TorrentInfo) PieceCount() int {
	return len(t.Pieces) / 20
}

// Multi reports whether this torrent describes more than one file.
func (t *TorrentInfo) Multi() bool {
	return len(t.Files) > 1
}

// ParseTorrentFile parses the raw bytes of a .torrent file.
func ParseTorrentFile(raw []byte) (*TorrentInfo, error) {
	root, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decoding torrent file: %w", err)
	}
	infoVal, ok := root.Get("info")
	if !ok {
		return nil, fmt.Errorf("metainfo: torrent file missing \"info\" dictionary")
	}

	infoRange, err := bencode.FindDictKeyRange(raw, "info")
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating raw info bytes: %w", err)
	}
	hash := sha1.Sum(raw[infoRange.Start:infoRange.End])

	info, err := parseInfoDict(&infoVal, hash)
	if err != nil {
		return nil, err
	}

	if announce, ok := root.Get("announce"); ok {
		info.Announce = announce.Str
	}
	if tiers, ok := root.Get("announce-list"); ok {
		info.AnnounceList = parseAnnounceList(tiers)
	}
	return info, nil
}

// ParseInfoDict builds a TorrentInfo from an already-decoded info Value
// and its known info-hash — the path used when metadata arrives via
// BEP-9 exchange rather than a .torrent file.
func ParseInfoDict(infoVal *bencode.Value, hash [20]byte) (*TorrentInfo, error) {
	return parseInfoDict(infoVal, hash)
}

func parseInfoDict(infoVal *bencode.Value, hash [20]byte) (*TorrentInfo, error) {
	piecesVal, ok := infoVal.Get("pieces")
	if !ok || piecesVal.Str == "" {
		return nil, fmt.Errorf("metainfo: info dictionary missing \"pieces\"")
	}
	if len(piecesVal.Str)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(piecesVal.Str))
	}

	nameVal, ok := infoVal.Get("name")
	if !ok || nameVal.Str == "" {
		return nil, fmt.Errorf("metainfo: info dictionary missing \"name\"")
	}

	pieceLenVal, ok := infoVal.Get("piece length")
	if !ok || pieceLenVal.Int <= 0 {
		return nil, fmt.Errorf("metainfo: info dictionary missing or invalid \"piece length\"")
	}

	isPrivate := false
	if priv, ok := infoVal.Get("private"); ok {
		isPrivate = priv.Int != 0
	}

	var files []File
	var totalSize int64
	if lengthVal, ok := infoVal.Get("length"); ok {
		if lengthVal.Int < 0 {
			return nil, fmt.Errorf("metainfo: negative length %d", lengthVal.Int)
		}
		totalSize = lengthVal.Int
		files = []File{{Path: nameVal.Str, Length: totalSize, Offset: 0}}
	} else {
		filesVal, ok := infoVal.Get("files")
		if !ok || len(filesVal.List) == 0 {
			return nil, fmt.Errorf("metainfo: info dictionary missing both \"length\" and \"files\"")
		}
		var err error
		files, totalSize, err = parseFiles(filesVal.List)
		if err != nil {
			return nil, err
		}
	}

	return &TorrentInfo{
		InfoHash:    hash,
		Name:        nameVal.Str,
		PieceLength: int(pieceLenVal.Int),
		Pieces:      []byte(piecesVal.Str),
		TotalSize:   totalSize,
		Files:       files,
		IsPrivate:   isPrivate,
	}, nil
}

func parseFiles(list []bencode.Value) ([]File, int64, error) {
	files := make([]File, len(list))
	var cum int64
	for i, entry := range list {
		lengthVal, ok := entry.Get("length")
		if !ok || lengthVal.Int < 0 {
			return nil, 0, fmt.Errorf("metainfo: file %d missing or negative \"length\"", i)
		}
		pathVal, ok := entry.Get("path")
		if !ok || len(pathVal.List) == 0 {
			return nil, 0, fmt.Errorf("metainfo: file %d missing \"path\"", i)
		}
		parts := make([]string, len(pathVal.List))
		for j, p := range pathVal.List {
			parts[j] = p.Str
		}
		files[i] = File{
			Path:   filepath.Join(parts...),
			Length: lengthVal.Int,
			Offset: cum,
		}
		cum += lengthVal.Int
	}
	return files, cum, nil
}

func parseAnnounceList(v bencode.Value) [][]string {
	tiers := make([][]string, 0, len(v.List))
	for _, tier := range v.List {
		urls := make([]string, 0, len(tier.List))
		for _, u := range tier.List {
			urls = append(urls, u.Str)
		}
		tiers = append(tiers, urls)
	}
	return tiers
}
