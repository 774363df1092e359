package snapshot

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"os"
	"path/filepath"

	atomicfile "github.com/natefinch/atomic"
)

// computeHeaderChecksum hashes exactly the fields that don't change after
// creation (magic, version, timestamp, sequence), mirroring the original
// format's decision to leave checksum_algo and checksum itself out of
// their own hash.
func computeHeaderChecksum(h Header) [32]byte {
	hasher := sha256.New()
	hasher.Write([]byte(h.Magic))
	var versionBuf [4]byte
	binary.LittleEndian.PutUint32(versionBuf[:], h.Version)
	hasher.Write(versionBuf[:])
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(h.TimestampUnix))
	hasher.Write(tsBuf[:])
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], h.Sequence)
	hasher.Write(seqBuf[:])
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// Writer streams a snapshot to a temp file, finalized atomically on
// Finalize via a rename so a crash mid-write never leaves a half-written
// file at the destination path.
type Writer struct {
	tempPath string
	destPath string
	f        *os.File
	bw       *bufio.Writer
	hasher   hash.Hash
	written  uint64
}

// Create opens a new snapshot writer targeting destPath; bytes are
// buffered to a sibling temp file until Finalize.
func Create(destPath string) (*Writer, error) {
	if dir := filepath.Dir(destPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshot: mkdir: %w", err)
		}
	}
	tempPath := destPath + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	return &Writer{
		tempPath: tempPath,
		destPath: destPath,
		f:        f,
		bw:       bufio.NewWriter(f),
		hasher:   sha256.New(),
	}, nil
}

func (w *Writer) writeBytes(b []byte) error {
	if _, err := w.bw.Write(b); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	w.hasher.Write(b)
	w.written += uint64(len(b))
	return nil
}

// WriteHeader computes h's checksum and writes it zero-padded to 256 bytes.
func (w *Writer) WriteHeader(h Header) error {
	h.Checksum = computeHeaderChecksum(h)
	encoded, err := marshalJSON(h)
	if err != nil {
		return fmt.Errorf("snapshot: marshal header: %w", err)
	}
	if len(encoded) > headerSize {
		return fmt.Errorf("snapshot: header JSON (%d bytes) exceeds %d-byte budget", len(encoded), headerSize)
	}
	padded := make([]byte, headerSize)
	copy(padded, encoded)
	return w.writeBytes(padded)
}

// WriteMetadata writes a length-prefixed metadata section.
func (w *Writer) WriteMetadata(m Metadata) error {
	encoded, err := marshalJSON(m)
	if err != nil {
		return fmt.Errorf("snapshot: marshal metadata: %w", err)
	}
	return w.writeBytes(lengthPrefixed(encoded))
}

// WriteCollectionHeader writes a length-prefixed collection header.
func (w *Writer) WriteCollectionHeader(h CollectionHeader) error {
	encoded, err := marshalJSON(h)
	if err != nil {
		return fmt.Errorf("snapshot: marshal collection header: %w", err)
	}
	return w.writeBytes(lengthPrefixed(encoded))
}

// WriteDocument writes a length-prefixed document, JSON-encoded via v so
// callers can pass any document representation this package doesn't need
// to import directly.
func (w *Writer) WriteDocument(v any) error {
	encoded, err := marshalJSON(v)
	if err != nil {
		return fmt.Errorf("snapshot: marshal document: %w", err)
	}
	return w.writeBytes(lengthPrefixed(encoded))
}

// WriteIndex writes a length-prefixed index definition.
func (w *Writer) WriteIndex(v any) error {
	encoded, err := marshalJSON(v)
	if err != nil {
		return fmt.Errorf("snapshot: marshal index: %w", err)
	}
	return w.writeBytes(lengthPrefixed(encoded))
}

// BytesWritten returns the number of bytes written so far, header included.
func (w *Writer) BytesWritten() uint64 { return w.written }

// Finalize writes the 64-byte footer (itself excluded from the running
// checksum) and atomically publishes the temp file to destPath via
// rename, so a reader never observes a partially-written snapshot at the
// final path.
func (w *Writer) Finalize() error {
	var totalChecksum [32]byte
	copy(totalChecksum[:], w.hasher.Sum(nil))

	footer := make([]byte, footerSize)
	copy(footer[:10], []byte(EndMarker))
	copy(footer[10:42], totalChecksum[:])

	if _, err := w.bw.Write(footer); err != nil {
		return fmt.Errorf("snapshot: write footer: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}

	if err := atomicfile.ReplaceFile(w.tempPath, w.destPath); err != nil {
		return fmt.Errorf("snapshot: atomic rename: %w", err)
	}
	return nil
}

// Abort discards the in-progress snapshot, removing its temp file.
func (w *Writer) Abort() error {
	w.f.Close()
	return os.Remove(w.tempPath)
}
