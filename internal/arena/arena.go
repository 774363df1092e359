// Package arena implements an offset-addressed bump allocator with
// power-of-two size-classed free lists over a plain byte slice, suitable
// for backing a shared-memory segment shared across processes.
//
// Unlike a heap allocator, every allocation is identified by an *offset*
// relative to the arena's own start, never by a native pointer — offsets
// remain valid after the backing slice is remapped at a different base
// address in another process. Callers resolve offsets to byte slices
// through At/AtMut only when they need to touch the data; the arena never
// stores a resolved pointer anywhere in its own state.
//
// Concurrency: allocate and free are lock-free. The bump path advances the
// offset with a CAS loop; the free-list path pushes/pops an in-band free
// node with a CAS loop. Neither path ever blocks.
//
// ⚠️ Fragmentation: a freed block is only reusable if its size falls in a
// recognised size class. Allocations that don't fit any class (larger than
// the largest class, or freed with a size the class math rejects) are
// abandoned on free — free_count is incremented but the bytes are never
// reclaimed. This is a deliberate simplicity trade-off, not an oversight;
// long-lived processes under a churny non-size-class workload will leak
// arena space. No compaction path is provided.
//
// © 2025 arena-cache authors. MIT License.
package arena

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/veddb/veddb/internal/unsafehelpers"
)

// sizeClasses are the recognised power-of-two allocation buckets.
var sizeClasses = [...]uint32{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768}

// freeNodeSize is the in-band free-list node layout: {next u64, size u32, _pad u32}.
const freeNodeSize = 16

// ErrOutOfMemory is returned by Allocate when the bump pointer would exceed
// the arena's total size.
var ErrOutOfMemory = errors.New("arena: out of memory")

// headerSize is the number of bytes at offset 0 reserved for arena
// bookkeeping that lives outside the atomic fields below (kept for parity
// with the on-disk/shared-memory layout described by the data model; this
// Go implementation keeps its atomics in the struct itself and reserves
// this many bytes of the backing slice before start_offset).
const headerSize = 64

// Arena is a bump + size-classed-free-list allocator over buf.
type Arena struct {
	buf       []byte
	current   atomic.Uint64
	total     uint64
	start     uint64
	freeLists [len(sizeClasses)]atomic.Uint64

	allocatedBytes atomic.Uint64
	allocCount     atomic.Uint64
	freeCount      atomic.Uint64
}

// New creates an arena over buf. The arena's addressable space begins at a
// fixed header offset so that offset 0 can be reserved as the null offset,
// matching the data model's "0 is reserved as the null offset" invariant.
func New(buf []byte) *Arena {
	a := &Arena{buf: buf, total: uint64(len(buf)), start: headerSize}
	a.current.Store(a.start)
	return a
}

// Stats is a point-in-time snapshot of allocator bookkeeping.
type Stats struct {
	TotalSize      uint64
	AllocatedBytes uint64
	CurrentOffset  uint64
	AllocCount     uint64
	FreeCount      uint64
}

// Stats returns the current allocation statistics.
func (a *Arena) Stats() Stats {
	return Stats{
		TotalSize:      a.total,
		AllocatedBytes: a.allocatedBytes.Load(),
		CurrentOffset:  a.current.Load(),
		AllocCount:     a.allocCount.Load(),
		FreeCount:      a.freeCount.Load(),
	}
}

// IsValidOffset reports whether offset falls within the arena's allocatable range.
func (a *Arena) IsValidOffset(offset uint64) bool {
	return offset >= a.start && offset < a.total
}

// RemainingSpace returns the number of bytes left in the bump region.
func (a *Arena) RemainingSpace() uint64 {
	current := a.current.Load()
	if current >= a.total {
		return 0
	}
	return a.total - current
}

func sizeClassFor(size uint32) (idx int, ok bool) {
	for i, c := range sizeClasses {
		if size <= c {
			return i, true
		}
	}
	return 0, false
}

// Allocate reserves size bytes aligned to align (which must be a power of
// two) and returns the offset of the new block, or 0 if the arena is
// exhausted.
func (a *Arena) Allocate(size, align uint32) uint64 {
	if size == 0 {
		return 0
	}
	alignedSize := uint32(unsafehelpers.AlignUp(uintptr(size), uintptr(align)))

	if offset, ok := a.allocateFromFreeList(alignedSize); ok {
		a.allocCount.Add(1)
		a.allocatedBytes.Add(uint64(alignedSize))
		return offset
	}
	return a.bumpAllocate(alignedSize, align)
}

func (a *Arena) allocateFromFreeList(size uint32) (uint64, bool) {
	idx, ok := sizeClassFor(size)
	if !ok {
		return 0, false
	}
	classSize := sizeClasses[idx]
	if size > classSize || size < classSize/2 {
		return 0, false
	}

	for {
		head := a.freeLists[idx].Load()
		if head == 0 {
			return 0, false
		}
		next := binary.LittleEndian.Uint64(a.buf[head : head+8])
		if a.freeLists[idx].CompareAndSwap(head, next) {
			return head, true
		}
	}
}

func (a *Arena) bumpAllocate(size, align uint32) uint64 {
	for {
		current := a.current.Load()
		alignedOffset := uint64(unsafehelpers.AlignUp(uintptr(current), uintptr(align)))
		newOffset := alignedOffset + uint64(size)
		if newOffset > a.total {
			return 0
		}
		if a.current.CompareAndSwap(current, newOffset) {
			a.allocCount.Add(1)
			a.allocatedBytes.Add(uint64(size))
			return alignedOffset
		}
	}
}

// Free releases the block at offset with the given original size. If size
// matches a recognised size class the block is pushed onto that class's
// free list for reuse; otherwise the bytes are abandoned (free_count still
// increments, matching the arena's documented fragmentation trade-off).
func (a *Arena) Free(offset uint64, size uint32) {
	if offset == 0 || size == 0 {
		return
	}
	if idx, ok := sizeClassFor(size); ok {
		classSize := sizeClasses[idx]
		if size >= classSize/2 && size <= classSize {
			a.addToFreeList(offset, idx)
			a.freeCount.Add(1)
			return
		}
	}
	a.freeCount.Add(1)
}

func (a *Arena) addToFreeList(offset uint64, idx int) {
	for {
		head := a.freeLists[idx].Load()
		binary.LittleEndian.PutUint64(a.buf[offset:offset+8], head)
		if a.freeLists[idx].CompareAndSwap(head, offset) {
			return
		}
	}
}

// At returns a read-only view of size bytes at offset. Callers must not
// retain the slice past the block's lifetime.
func (a *Arena) At(offset uint64, size uint32) []byte {
	return a.buf[offset : offset+uint64(size)]
}

// AtMut returns a mutable view of size bytes at offset.
func (a *Arena) AtMut(offset uint64, size uint32) []byte {
	return a.buf[offset : offset+uint64(size)]
}

// Put copies data into the arena at offset, which must have been obtained
// from Allocate with size >= len(data).
func (a *Arena) Put(offset uint64, data []byte) {
	copy(a.buf[offset:], data)
}
