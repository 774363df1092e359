// Package snapshot implements the self-describing, checksummed store
// image (C12): a 256-byte header, length-prefixed metadata, one
// length-prefixed header+documents+indexes section per collection, and a
// 64-byte footer whose checksum covers every byte written before it.
//
// © 2025 arena-cache authors. MIT License.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

// Magic identifies a veddb snapshot file.
const Magic = "VEDDB\x00\x00\x00"

// Version is the current snapshot format version.
const Version uint32 = 1

// EndMarker is the footer's fixed 10-byte end-of-file tag.
const EndMarker = "VEDDB_END\x00"

const (
	headerSize = 256
	footerSize = 64
)

// ChecksumAlgo identifies the footer's hash algorithm, future-proofing the
// format the way the original's enum-with-one-variant does.
type ChecksumAlgo uint8

// ChecksumAlgo values.
const (
	ChecksumSHA256 ChecksumAlgo = 1
)

// Errors returned by Reader.
var (
	ErrInvalidMagic    = errors.New("snapshot: invalid magic")
	ErrInvalidVersion  = errors.New("snapshot: invalid version")
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	ErrInvalidEndMarker = errors.New("snapshot: invalid end marker")
)

// Header is the first 256 bytes of a snapshot.
type Header struct {
	Magic        string       `json:"magic"`
	Version      uint32       `json:"version"`
	TimestampUnix int64       `json:"timestamp_unix"`
	Sequence     uint64       `json:"sequence"`
	ChecksumAlgo ChecksumAlgo `json:"checksum_algo"`
	Checksum     [32]byte     `json:"checksum"`
}

// NewHeader builds a header for the given WAL sequence, timestamped now
// (callers pass in the Unix timestamp since this package never calls
// time.Now() directly, keeping it deterministic to test against).
func NewHeader(sequence uint64, timestampUnix int64) Header {
	return Header{
		Magic:         Magic,
		Version:       Version,
		TimestampUnix: timestampUnix,
		Sequence:      sequence,
		ChecksumAlgo:  ChecksumSHA256,
	}
}

// Metadata is the snapshot's top-level metadata section.
type Metadata struct {
	CollectionsCount uint32 `json:"collections_count"`
	UsersCount       uint32 `json:"users_count"`
	Config           string `json:"config"`
}

// CollectionHeader precedes a collection's documents and indexes.
type CollectionHeader struct {
	Name          string `json:"name"`
	SchemaJSON    string `json:"schema_json"`
	DocumentCount uint64 `json:"document_count"`
	IndexCount    uint32 `json:"index_count"`
}

// Footer is the snapshot's final 64 bytes.
type Footer struct {
	EndMarker     [10]byte
	TotalChecksum [32]byte
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func lengthPrefixed(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}
