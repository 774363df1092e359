package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
)

// Reader sequentially reads a snapshot written by Writer, maintaining a
// running hash over every byte read except the footer itself — mirroring
// the write side's exclusion of the footer from the whole-file checksum.
type Reader struct {
	f      *os.File
	r      *bufio.Reader
	hasher hash.Hash
	header *Header
}

// Open opens path for sequential snapshot reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	return &Reader{f: f, r: bufio.NewReader(f), hasher: sha256.New()}, nil
}

func (r *Reader) readBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	r.hasher.Write(buf)
	return buf, nil
}

// ReadHeader reads and validates the 256-byte header, caching it for
// ReadFooter's later checksum comparison.
func (r *Reader) ReadHeader() (Header, error) {
	raw, err := r.readBytes(headerSize)
	if err != nil {
		return Header{}, fmt.Errorf("snapshot: read header: %w", err)
	}
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		end = len(raw)
	}
	var h Header
	if err := json.Unmarshal(raw[:end], &h); err != nil {
		return Header{}, fmt.Errorf("snapshot: unmarshal header: %w", err)
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrInvalidVersion
	}
	wantChecksum := computeHeaderChecksum(h)
	if wantChecksum != h.Checksum {
		return Header{}, ErrChecksumMismatch
	}
	r.header = &h
	return h, nil
}

func (r *Reader) readLengthPrefixed() ([]byte, error) {
	lenBuf, err := r.readBytes(4)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	payload, err := r.readBytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read payload: %w", err)
	}
	return payload, nil
}

// ReadMetadata reads the metadata section.
func (r *Reader) ReadMetadata() (Metadata, error) {
	payload, err := r.readLengthPrefixed()
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(payload, &m); err != nil {
		return Metadata{}, fmt.Errorf("snapshot: unmarshal metadata: %w", err)
	}
	return m, nil
}

// ReadCollectionHeader reads one collection header.
func (r *Reader) ReadCollectionHeader() (CollectionHeader, error) {
	payload, err := r.readLengthPrefixed()
	if err != nil {
		return CollectionHeader{}, err
	}
	var h CollectionHeader
	if err := json.Unmarshal(payload, &h); err != nil {
		return CollectionHeader{}, fmt.Errorf("snapshot: unmarshal collection header: %w", err)
	}
	return h, nil
}

// ReadDocument reads one document, unmarshaling into v.
func (r *Reader) ReadDocument(v any) error {
	payload, err := r.readLengthPrefixed()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("snapshot: unmarshal document: %w", err)
	}
	return nil
}

// ReadIndex reads one index definition, unmarshaling into v.
func (r *Reader) ReadIndex(v any) error {
	payload, err := r.readLengthPrefixed()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("snapshot: unmarshal index: %w", err)
	}
	return nil
}

// ReadFooter reads the trailing 64 bytes directly, bypassing readBytes so
// the footer is never folded into its own checksum, then validates the
// end marker and compares the accumulated hash against the stored one.
func (r *Reader) ReadFooter() (Footer, error) {
	raw := make([]byte, footerSize)
	if _, err := io.ReadFull(r.r, raw); err != nil {
		return Footer{}, fmt.Errorf("snapshot: read footer: %w", err)
	}

	var f Footer
	copy(f.EndMarker[:], raw[:10])
	copy(f.TotalChecksum[:], raw[10:42])

	if string(f.EndMarker[:]) != EndMarker {
		return Footer{}, ErrInvalidEndMarker
	}

	var computed [32]byte
	copy(computed[:], r.hasher.Sum(nil))
	if computed != f.TotalChecksum {
		return Footer{}, ErrChecksumMismatch
	}

	return f, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
