// Package ring implements the two lock-free ring buffers the shared-memory
// substrate is built on: a single-producer/single-consumer ring for
// per-session command/response channels, and a Vyukov multi-producer/
// multi-consumer ring for pub/sub topics.
//
// Both rings move fixed 16-byte Slots rather than arbitrary payloads; a
// Slot either carries a small value inline or an offset into an arena
// where the real payload lives. Neither ring allocates on the hot path.
//
// © 2025 arena-cache authors. MIT License.
package ring

import "encoding/binary"

// InlineSize is the number of bytes a Slot can carry without an arena allocation.
const InlineSize = 8

// Slot is the fixed-size cell moved through both ring types: len==0 is
// empty, 0<len<=InlineSize packs the payload directly into DataOrOffset
// little-endian, len>InlineSize means DataOrOffset is an arena offset to a
// payload of exactly len bytes.
type Slot struct {
	Len           uint32
	DataOrOffset  uint64
}

// Empty returns the zero slot.
func Empty() Slot { return Slot{} }

// InlineData packs data into a Slot if it fits inline, reporting ok=false otherwise.
func InlineData(data []byte) (Slot, bool) {
	if len(data) > InlineSize {
		return Slot{}, false
	}
	var buf [8]byte
	copy(buf[:], data)
	return Slot{Len: uint32(len(data)), DataOrOffset: binary.LittleEndian.Uint64(buf[:])}, true
}

// ArenaOffset builds a Slot referencing an out-of-line arena payload.
func ArenaOffset(length uint32, offset uint64) Slot {
	return Slot{Len: length, DataOrOffset: offset}
}

// IsEmpty reports whether the slot carries no payload.
func (s Slot) IsEmpty() bool { return s.Len == 0 }

// IsInline reports whether the payload is packed directly into DataOrOffset.
func (s Slot) IsInline() bool { return s.Len > 0 && s.Len <= InlineSize }

// InlineBytes returns the inline payload, if any.
func (s Slot) InlineBytes() ([]byte, bool) {
	if !s.IsInline() {
		return nil, false
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.DataOrOffset)
	return buf[:s.Len], true
}

// ArenaRef returns the arena offset carried by the slot, if it is not inline.
func (s Slot) ArenaRef() (uint64, bool) {
	if s.Len == 0 || s.IsInline() {
		return 0, false
	}
	return s.DataOrOffset, true
}

// cacheLinePad is the padding needed after a single uint64 atomic to avoid
// false sharing on typical 64-byte cache lines. Go has no struct alignment
// attribute equivalent to Rust's #[repr(align(64))], so the padding is
// carried as trailing bytes instead.
const cacheLinePad = 56
