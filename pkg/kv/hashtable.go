package kv

import (
	"sync/atomic"

	"github.com/veddb/veddb/internal/arena"
	"github.com/veddb/veddb/internal/unsafehelpers"
)

const (
	emptyHash     uint64 = 0
	tombstoneHash uint64 = 1
)

// entry is one open-addressing slot: hash/version are atomic so readers
// under the shard's read lock can observe a consistent snapshot while a
// writer under the write lock is the only one ever mutating key_len,
// val_len and data_offset.
type entry struct {
	hash       atomic.Uint64
	version    atomic.Uint64
	keyLen     uint32
	valLen     uint32
	dataOffset uint64
}

func (e *entry) isEmpty() bool     { return e.hash.Load() == emptyHash }
func (e *entry) isTombstone() bool { return e.hash.Load() == tombstoneHash }

func (e *entry) markTombstone() {
	e.hash.Store(tombstoneHash)
}

// HashTable is an open-addressed, linear-probe table whose key/value bytes
// live in an arena. All mutation must happen under the owning shard's
// write lock; reads under the read lock. The table itself performs no
// locking.
type HashTable struct {
	capacity uint64
	mask     uint64
	size     atomic.Uint64
	arena    *arena.Arena
	entries  []entry
}

// NewHashTable creates a table with the given power-of-two capacity, backed by ar.
func NewHashTable(capacity uint64, ar *arena.Arena) *HashTable {
	if !unsafehelpers.IsPowerOfTwo(uintptr(capacity)) {
		panic("kv: hash table capacity must be a power of two")
	}
	return &HashTable{
		capacity: capacity,
		mask:     capacity - 1,
		arena:    ar,
		entries:  make([]entry, capacity),
	}
}

// hashKey computes the FNV-1a hash of key, remapped away from the reserved
// empty/tombstone sentinel values.
func hashKey(key []byte) uint64 {
	h := uint64(0xcbf29ce484222325)
	for _, b := range key {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	if h <= tombstoneHash {
		h = 2
	}
	return h
}

// findEntry probes from hash&mask, stopping at the first matching entry or
// the first empty slot.
func (t *HashTable) findEntry(key []byte, hash uint64) (index uint64, isMatch bool) {
	idx := hash & t.mask
	for {
		e := &t.entries[idx]
		eh := e.hash.Load()
		if eh == emptyHash {
			return idx, false
		}
		if eh == hash && t.keysEqual(e, key) {
			return idx, true
		}
		idx = (idx + 1) & t.mask
	}
}

func (t *HashTable) keysEqual(e *entry, key []byte) bool {
	if uint32(len(key)) != e.keyLen {
		return false
	}
	stored := t.arena.At(e.dataOffset, e.keyLen)
	for i := range key {
		if key[i] != stored[i] {
			return false
		}
	}
	return true
}

func (t *HashTable) keyValue(e *entry) (key, value []byte) {
	data := t.arena.At(e.dataOffset, e.keyLen+e.valLen)
	return data[:e.keyLen], data[e.keyLen:]
}

// Insert writes key/value, returning true if this was a fresh insertion
// (false if it updated an existing entry). Version is NOT bumped on
// update; only Cas bumps it.
func (t *HashTable) Insert(key, value []byte) (inserted bool, err error) {
	hash := hashKey(key)
	idx, isMatch := t.findEntry(key, hash)
	e := &t.entries[idx]

	if isMatch {
		oldOffset := e.dataOffset
		oldSize := e.keyLen + e.valLen
		newSize := uint32(len(key) + len(value))

		newOffset := oldOffset
		if newSize > oldSize {
			t.arena.Free(oldOffset, oldSize)
			newOffset = t.arena.Allocate(newSize, 8)
			if newOffset == 0 {
				return false, ErrOutOfMemory
			}
		}
		buf := t.arena.AtMut(newOffset, newSize)
		copy(buf, key)
		copy(buf[len(key):], value)

		e.dataOffset = newOffset
		e.keyLen = uint32(len(key))
		e.valLen = uint32(len(value))
		return false, nil
	}

	dataSize := uint32(len(key) + len(value))
	offset := t.arena.Allocate(dataSize, 8)
	if offset == 0 {
		return false, ErrOutOfMemory
	}
	buf := t.arena.AtMut(offset, dataSize)
	copy(buf, key)
	copy(buf[len(key):], value)

	e.keyLen = uint32(len(key))
	e.valLen = uint32(len(value))
	e.dataOffset = offset
	e.version.Store(1)
	e.hash.Store(hash)

	t.size.Add(1)
	return true, nil
}

// Get returns a copy of the value stored for key, if present.
func (t *HashTable) Get(key []byte) ([]byte, bool) {
	hash := hashKey(key)
	idx, isMatch := t.findEntry(key, hash)
	if !isMatch {
		return nil, false
	}
	_, value := t.keyValue(&t.entries[idx])
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// Remove deletes key, returning the size of the freed data block if it existed.
func (t *HashTable) Remove(key []byte) (size uint32, removed bool) {
	hash := hashKey(key)
	idx, isMatch := t.findEntry(key, hash)
	if !isMatch {
		return 0, false
	}
	e := &t.entries[idx]
	if e.isTombstone() {
		return 0, false
	}
	size = e.keyLen + e.valLen
	offset := e.dataOffset
	e.markTombstone()
	e.keyLen = 0
	e.valLen = 0
	e.dataOffset = 0

	t.arena.Free(offset, size)
	t.size.Add(^uint64(0)) // size--
	return size, true
}

// Cas performs a compare-and-swap: the write succeeds only if the current
// version equals expectedVersion, after which version increases by
// exactly one.
func (t *HashTable) Cas(key []byte, expectedVersion uint64, newValue []byte) (newVersion uint64, err error) {
	hash := hashKey(key)
	idx, isMatch := t.findEntry(key, hash)
	if !isMatch {
		return 0, ErrNotFound
	}
	e := &t.entries[idx]
	current := e.version.Load()
	if current != expectedVersion {
		return 0, ErrVersionMismatch
	}

	keyLen := e.keyLen
	oldOffset := e.dataOffset
	oldSize := e.keyLen + e.valLen
	newSize := keyLen + uint32(len(newValue))

	offset := oldOffset
	if newSize > oldSize {
		t.arena.Free(oldOffset, oldSize)
		offset = t.arena.Allocate(newSize, 8)
		if offset == 0 {
			return 0, ErrOutOfMemory
		}
	}
	buf := t.arena.AtMut(offset, newSize)
	copy(buf, key)
	copy(buf[keyLen:], newValue)

	e.dataOffset = offset
	e.valLen = uint32(len(newValue))
	newVersion = current + 1
	e.version.Store(newVersion)
	return newVersion, nil
}

// Size returns the current number of live (non-tombstone, non-empty) entries.
func (t *HashTable) Size() uint64 { return t.size.Load() }

// Capacity returns the table's fixed slot count.
func (t *HashTable) Capacity() uint64 { return t.capacity }

// LoadFactor returns Size()/Capacity().
func (t *HashTable) LoadFactor() float64 { return float64(t.Size()) / float64(t.capacity) }

// TombstoneFraction scans the table and returns the fraction of slots
// currently marked as tombstones, used to decide when a sweep is due.
func (t *HashTable) TombstoneFraction() float64 {
	count := 0
	for i := range t.entries {
		if t.entries[i].isTombstone() {
			count++
		}
	}
	return float64(count) / float64(t.capacity)
}
