// Package wal implements the write-ahead log (C11): a length-prefixed,
// checksummed append-only record stream that can be scanned on startup to
// resume a globally monotonic sequence, rotated on size, and compacted
// once its entries are known to be captured in a snapshot.
//
// © 2025 arena-cache authors. MIT License.
package wal

import (
	"encoding/json"
	"time"

	"github.com/veddb/veddb/pkg/document"
)

// OperationKind discriminates the Operation union.
type OperationKind uint8

// Operation kinds the WAL can log.
const (
	OpInsertDoc OperationKind = iota
	OpUpdateDoc
	OpDeleteDoc
	OpCreateCollection
	OpDropCollection
	OpCreateIndex
	OpDropIndex
)

// Operation is one durable mutation. Only the fields relevant to Kind are
// populated; this mirrors the original's enum-of-structs shape as a
// single struct with a discriminant, since Go has no sum types.
type Operation struct {
	Kind       OperationKind
	Collection string
	Doc        document.Document
	DocID      document.ID
	Changes    map[string]document.Value
	SchemaJSON string
	IndexName  string
	IndexJSON  string
}

// Entry is one logical WAL record.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Operation Operation
	Checksum  uint32
}

// entryWire is Entry's on-the-wire JSON shape, kept separate from Entry so
// that Checksum is always computed over a zeroed-checksum encoding
// regardless of how callers populate an Entry in memory.
type entryWire struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	Checksum  uint32    `json:"checksum"`
}

func (e Entry) marshalForChecksum() ([]byte, error) {
	return json.Marshal(entryWire{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Operation: e.Operation,
		Checksum:  0,
	})
}

func (e Entry) marshal() ([]byte, error) {
	return json.Marshal(entryWire{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Operation: e.Operation,
		Checksum:  e.Checksum,
	})
}

func unmarshalEntry(b []byte) (Entry, error) {
	var w entryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Entry{}, err
	}
	return Entry{
		Sequence:  w.Sequence,
		Timestamp: w.Timestamp,
		Operation: w.Operation,
		Checksum:  w.Checksum,
	}, nil
}
