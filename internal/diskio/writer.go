// Package diskio is the concrete file-layout collaborator a torrent
// controller hands verified piece bytes to: it maps a piece's byte range
// onto the torrent's (possibly multi-file) content layout and writes it
// at the right offset in each overlapping file.
//
// Grounded on the teacher's client.go (downloadPieces' fileDescriptor
// map and pieceToFile byte-range splitting), generalized from a
// channel-driven batch writer into a single WritePiece call the peer
// manager's piece_finished callback invokes directly.
package diskio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gobit/torrentcore/internal/metainfo"
)

// FileWriter places verified piece bytes into a torrent's on-disk file
// layout, preallocating every file to its final length up front.
type FileWriter struct {
	info   *metainfo.TorrentInfo
	outDir string

	mu      sync.Mutex
	handles []*os.File
}

// NewFileWriter creates (or truncates) every file named in info's file
// list under outDir, preallocating each to its final length. Multi-file
// torrents are rooted at outDir/info.Name, matching the teacher's
// "containing folder for multi-file torrents" convention.
func NewFileWriter(info *metainfo.TorrentInfo, outDir string) (*FileWriter, error) {
	root := outDir
	if info.Multi() {
		root = filepath.Join(outDir, info.Name)
	}

	w := &FileWriter{info: info, outDir: root, handles: make([]*os.File, len(info.Files))}
	for i, f := range info.Files {
		path := filepath.Join(root, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("diskio: creating directory for %s: %w", f.Path, err)
		}
		fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("diskio: opening %s: %w", f.Path, err)
		}
		if f.Length > 0 {
			if err := fd.Truncate(f.Length); err != nil {
				fd.Close()
				return nil, fmt.Errorf("diskio: preallocating %s: %w", f.Path, err)
			}
		}
		w.handles[i] = fd
	}
	return w, nil
}

// WritePiece writes a verified piece's bytes at the right offset in
// every file it overlaps, splitting at file boundaries the way the
// teacher's downloadPieces loop does.
func (w *FileWriter) WritePiece(index int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pieceStart := int64(index) * int64(w.info.PieceLength)
	pieceEnd := pieceStart + int64(len(data))

	for i, f := range w.info.Files {
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length
		if pieceEnd <= fileStart || pieceStart >= fileEnd {
			continue
		}

		resOffset, fileOffset := int64(0), pieceStart-fileStart
		if fileOffset < 0 {
			resOffset, fileOffset = -fileOffset, 0
		}
		end := int64(len(data))
		if pieceStart+end > fileEnd {
			end = fileEnd - pieceStart
		}

		if _, err := w.handles[i].WriteAt(data[resOffset:end], fileOffset); err != nil {
			return fmt.Errorf("diskio: writing piece %d to %s: %w", index, f.Path, err)
		}
	}
	return nil
}

// Close closes every open file handle.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, fd := range w.handles {
		if fd == nil {
			continue
		}
		if err := fd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
