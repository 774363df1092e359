package kv

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veddb/veddb/internal/arena"
	"github.com/veddb/veddb/internal/unsafehelpers"
)

// Option configures a Store, following the teacher pack's functional
// options shape (config struct + validating With* setters + defaults).
type Option func(*config)

type config struct {
	numShards                uint64
	initialCapacityPerShard  uint64
	maxKeySize               uint32
	maxValueSize             uint32
	tombstoneSweepThreshold  float64
	tombstoneSweepInterval   time.Duration
	logger                   *zap.Logger
	metrics                  metricsSink
}

func defaultConfig() config {
	return config{
		numShards:               16,
		initialCapacityPerShard: 1024,
		maxKeySize:              1 << 16,
		maxValueSize:            1 << 24,
		tombstoneSweepThreshold: 0.25,
		tombstoneSweepInterval:  30 * time.Second,
		logger:                  zap.NewNop(),
		metrics:                 noopMetrics{},
	}
}

// WithShards sets the number of shards, which must be a power of two.
func WithShards(n uint64) Option {
	return func(c *config) { c.numShards = n }
}

// WithInitialCapacityPerShard sets each shard's starting hash table capacity.
func WithInitialCapacityPerShard(n uint64) Option {
	return func(c *config) { c.initialCapacityPerShard = n }
}

// WithMaxKeySize bounds accepted key sizes.
func WithMaxKeySize(n uint32) Option {
	return func(c *config) { c.maxKeySize = n }
}

// WithMaxValueSize bounds accepted value sizes.
func WithMaxValueSize(n uint32) Option {
	return func(c *config) { c.maxValueSize = n }
}

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics attaches a metrics sink (see metrics.go).
func WithMetrics(m metricsSink) Option {
	return func(c *config) { c.metrics = m }
}

func (c *config) validate() error {
	if !unsafehelpers.IsPowerOfTwo(uintptr(c.numShards)) {
		return errInvalidShards
	}
	if !unsafehelpers.IsPowerOfTwo(uintptr(c.initialCapacityPerShard)) {
		return errInvalidCapacity
	}
	return nil
}

// Store is the sharded key-value engine (C6): an array of Shards routed
// by FNV1a(key) & (num_shards-1), with store-wide operation and key
// counters updated with relaxed atomics alongside each shard's own.
type Store struct {
	shards []*Shard
	mask   uint64
	cfg    config

	opCount  atomic.Uint64
	keyCount atomic.Uint64
}

// New creates a Store backed by ar, with num_shards independent hash
// tables each of initial_capacity_per_shard.
func New(ar *arena.Arena, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	shards := make([]*Shard, cfg.numShards)
	for i := range shards {
		shards[i] = NewShard(cfg.initialCapacityPerShard, ar)
	}

	return &Store{shards: shards, mask: cfg.numShards - 1, cfg: cfg}, nil
}

func (s *Store) shardFor(key []byte) *Shard {
	return s.shards[hashKey(key)&s.mask]
}

// Set inserts or updates key/value, rejecting oversized keys/values per config.
func (s *Store) Set(key, value []byte) error {
	if uint32(len(key)) > s.cfg.maxKeySize {
		return ErrKeyTooLarge
	}
	if uint32(len(value)) > s.cfg.maxValueSize {
		return ErrValueTooLarge
	}
	s.opCount.Add(1)
	err := s.shardFor(key).Set(key, value)
	if err == nil {
		s.keyCount.Add(1)
		s.cfg.metrics.incSet()
	}
	return err
}

// Get returns the value for key, if present.
func (s *Store) Get(key []byte) ([]byte, bool) {
	s.opCount.Add(1)
	v, ok := s.shardFor(key).Get(key)
	if ok {
		s.cfg.metrics.incHit()
	} else {
		s.cfg.metrics.incMiss()
	}
	return v, ok
}

// Delete removes key, reporting whether it existed.
func (s *Store) Delete(key []byte) bool {
	s.opCount.Add(1)
	removed := s.shardFor(key).Delete(key)
	if removed {
		s.cfg.metrics.incDelete()
	}
	return removed
}

// Cas performs a compare-and-swap on key.
func (s *Store) Cas(key []byte, expectedVersion uint64, newValue []byte) (uint64, error) {
	if uint32(len(newValue)) > s.cfg.maxValueSize {
		return 0, ErrValueTooLarge
	}
	s.opCount.Add(1)
	return s.shardFor(key).Cas(key, expectedVersion, newValue)
}

// NumShards returns the shard count.
func (s *Store) NumShards() int { return len(s.shards) }

// StoreStats aggregates counters across all shards.
type StoreStats struct {
	OperationCount uint64
	EntryCount     uint64
	BytesUsed      uint64
}

// Stats sums every shard's counters.
func (s *Store) Stats() StoreStats {
	var out StoreStats
	for _, sh := range s.shards {
		ss := sh.Stats()
		out.OperationCount += ss.OperationCount
		out.EntryCount += ss.EntryCount
		out.BytesUsed += ss.BytesUsed
	}
	return out
}

// SweepTombstones walks every shard and rehashes those whose tombstone
// fraction is at or above the configured threshold. Intended to be called
// periodically by a background goroutine at cfg.tombstoneSweepInterval.
func (s *Store) SweepTombstones(ar *arena.Arena) {
	for _, sh := range s.shards {
		sh.SweepTombstones(s.cfg.tombstoneSweepThreshold, ar)
	}
}

// TombstoneSweepInterval returns the configured interval between sweeps.
func (s *Store) TombstoneSweepInterval() time.Duration {
	return s.cfg.tombstoneSweepInterval
}
