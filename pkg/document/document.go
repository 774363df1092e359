// Package document defines the document model the WAL, snapshot, replay,
// and storage layers operate on: a schemaless id/value map plus the small
// value union those layers serialize.
//
// © 2025 arena-cache authors. MIT License.
package document

import (
	"github.com/google/uuid"
)

// ID uniquely identifies a document within its collection.
type ID string

// NewID generates a fresh document ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// ValueKind discriminates the Value union.
type ValueKind uint8

// Value kinds.
const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
)

// Value is a small tagged union covering the field types a document can hold.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
}

// StringValue builds a Value of kind KindString.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue builds a Value of kind KindInt.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Document is a collection entry: an ID plus an ordered field map. Go maps
// have no stable iteration order, so field order (needed for deterministic
// snapshot serialization) is tracked separately in FieldOrder.
type Document struct {
	ID          ID
	Fields      map[string]Value
	FieldOrder  []string
}

// New creates an empty Document with a fresh ID.
func New() Document {
	return Document{ID: NewID(), Fields: make(map[string]Value)}
}

// Set assigns field to value, appending to FieldOrder on first assignment.
func (d *Document) Set(field string, value Value) {
	if _, exists := d.Fields[field]; !exists {
		d.FieldOrder = append(d.FieldOrder, field)
	}
	d.Fields[field] = value
}

// Get returns the value of field, if present.
func (d Document) Get(field string) (Value, bool) {
	v, ok := d.Fields[field]
	return v, ok
}
