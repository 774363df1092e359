// Package bench provides reproducible micro-benchmarks for the sharded
// key-value engine.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a single key/value shape so results are
// comparable across versions:
//   - Key   - uint64 printed as its decimal ASCII form (cheap hashing, fits one probe)
//   - Value - 64-byte payload (large enough to matter, small enough for cache)
//
// We measure:
//  1. Put          - write-only workload
//  2. Get          - read-only workload (after warm-up)
//  3. GetParallel  - highly concurrent reads (b.RunParallel)
//  4. Cas          - sequential compare-and-swap (single goroutine)
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: unit tests live alongside each package; this file is only for
// performance.
//
// © 2025 arena-cache authors. MIT License.
package bench

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/veddb/veddb/internal/arena"
	"github.com/veddb/veddb/pkg/kv"
)

const (
	arenaBytes = 64 << 20 // 64MiB
	shards     = 16
	numKeys    = 1 << 16
)

type value64 struct {
	_ [64]byte
}

var valueBytes = make([]byte, 64)

func newTestStore(b *testing.B) *kv.Store {
	b.Helper()
	ar := arena.New(make([]byte, arenaBytes))
	store, err := kv.New(ar, kv.WithShards(shards), kv.WithInitialCapacityPerShard(numKeys/shards))
	if err != nil {
		b.Fatalf("kv.New: %v", err)
	}
	return store
}

var dataset = func() [][]byte {
	rnd := rand.New(rand.NewSource(42))
	keys := make([][]byte, numKeys)
	for i := range keys {
		keys[i] = []byte(strconv.FormatUint(rnd.Uint64(), 10))
	}
	return keys
}()

func BenchmarkPut(b *testing.B) {
	store := newTestStore(b)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := dataset[i&(numKeys-1)]
		if err := store.Set(key, valueBytes); err != nil {
			b.Fatalf("Set: %v", err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	store := newTestStore(b)
	for _, key := range dataset {
		if err := store.Set(key, valueBytes); err != nil {
			b.Fatalf("Set: %v", err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := dataset[i&(numKeys-1)]
		if _, ok := store.Get(key); !ok {
			b.Fatalf("expected key to be present")
		}
	}
}

func BenchmarkGetParallel(b *testing.B) {
	store := newTestStore(b)
	for _, key := range dataset {
		if err := store.Set(key, valueBytes); err != nil {
			b.Fatalf("Set: %v", err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(numKeys)
		for pb.Next() {
			idx = (idx + 1) & (numKeys - 1)
			store.Get(dataset[idx])
		}
	})
}

func BenchmarkCas(b *testing.B) {
	store := newTestStore(b)
	for _, key := range dataset {
		if err := store.Set(key, valueBytes); err != nil {
			b.Fatalf("Set: %v", err)
		}
	}
	versions := make([]uint64, numKeys)
	for i := range versions {
		versions[i] = 1
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx := i & (numKeys - 1)
		newVersion, err := store.Cas(dataset[idx], versions[idx], valueBytes)
		if err != nil {
			b.Fatalf("Cas: %v", err)
		}
		versions[idx] = newVersion
	}
}
