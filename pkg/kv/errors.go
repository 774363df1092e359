// Package kv implements the sharded, arena-backed key-value engine: an
// open-addressed hash table per shard (C5), and the shard array + routing
// layer on top of it (C6).
//
// © 2025 arena-cache authors. MIT License.
package kv

import "errors"

// Errors returned by hash table and shard operations. These form the
// closed enum described by the error taxonomy's State/Input/Resource kinds
// and are mapped to wire status codes at the dispatcher boundary.
var (
	ErrKeyTooLarge     = errors.New("kv: key too large")
	ErrValueTooLarge   = errors.New("kv: value too large")
	ErrOutOfMemory     = errors.New("kv: out of memory")
	ErrVersionMismatch = errors.New("kv: version mismatch")
	ErrNotFound        = errors.New("kv: not found")

	errInvalidShards   = errors.New("kv: num_shards must be a power of two")
	errInvalidCapacity = errors.New("kv: initial_capacity_per_shard must be a power of two")
)
