package kv

import (
	"sync"
	"sync/atomic"

	"github.com/veddb/veddb/internal/arena"
)

// ShardStats is a point-in-time snapshot of a shard's counters.
type ShardStats struct {
	OperationCount uint64
	EntryCount     uint64
	BytesUsed      uint64
}

// Shard wraps a HashTable with the rwlock that makes it safe for
// concurrent use: reads take the read lock, mutations take the write
// lock, matching the data model's "Shard" description.
type Shard struct {
	mu    sync.RWMutex
	table *HashTable

	opCount    atomic.Uint64
	entryCount atomic.Uint64
	bytesUsed  atomic.Uint64
}

// NewShard creates a shard with a hash table of the given capacity over ar.
func NewShard(capacity uint64, ar *arena.Arena) *Shard {
	return &Shard{table: NewHashTable(capacity, ar)}
}

// Set inserts or updates key/value.
func (s *Shard) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opCount.Add(1)

	wasNew, err := s.table.Insert(key, value)
	if err != nil {
		return err
	}
	if wasNew {
		s.entryCount.Add(1)
	}
	s.bytesUsed.Add(uint64(len(key) + len(value)))
	return nil
}

// Get returns the value for key, if present.
func (s *Shard) Get(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.opCount.Add(1)
	return s.table.Get(key)
}

// Delete removes key, reporting whether it existed.
func (s *Shard) Delete(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opCount.Add(1)

	size, removed := s.table.Remove(key)
	if removed {
		s.entryCount.Add(^uint64(0))
		s.bytesUsed.Add(^uint64(size - 1))
	}
	return removed
}

// Cas performs a compare-and-swap on key.
func (s *Shard) Cas(key []byte, expectedVersion uint64, newValue []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opCount.Add(1)
	return s.table.Cas(key, expectedVersion, newValue)
}

// Stats returns the shard's current counters.
func (s *Shard) Stats() ShardStats {
	return ShardStats{
		OperationCount: s.opCount.Load(),
		EntryCount:     s.entryCount.Load(),
		BytesUsed:      s.bytesUsed.Load(),
	}
}

// sweepTombstonesIfDue rehashes the shard's table into a fresh one of the
// same capacity when the tombstone fraction is at or above threshold, resolving
// the tombstone-GC open question by adapting the teacher's CLOCK-Pro
// hand-sweep shape (a periodic walk triggered past a threshold) to a
// rehash action instead of an eviction action. Must be called under the
// write lock.
func (s *Shard) sweepTombstonesIfDue(threshold float64, ar *arena.Arena) {
	if s.table.TombstoneFraction() < threshold {
		return
	}
	fresh := NewHashTable(s.table.Capacity(), ar)
	for i := range s.table.entries {
		e := &s.table.entries[i]
		if e.isEmpty() || e.isTombstone() {
			continue
		}
		key, value := s.table.keyValue(e)
		keyCopy := append([]byte(nil), key...)
		valueCopy := append([]byte(nil), value...)
		fresh.Insert(keyCopy, valueCopy)
	}
	s.table = fresh
}

// SweepTombstones acquires the write lock and sweeps if the tombstone
// fraction is at or above threshold.
func (s *Shard) SweepTombstones(threshold float64, ar *arena.Arena) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepTombstonesIfDue(threshold, ar)
}
