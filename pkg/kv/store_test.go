package kv

import (
	"fmt"
	"testing"

	"github.com/veddb/veddb/internal/arena"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ar := arena.New(make([]byte, 8<<20))
	s, err := New(ar, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStoreSetGetDelete(t *testing.T) {
	s := newTestStore(t, WithShards(4))

	if err := s.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get([]byte("k1"))
	if !ok || string(v) != "v1" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if !s.Delete([]byte("k1")) {
		t.Fatal("expected Delete to report existing key")
	}
	if _, ok := s.Get([]byte("k1")); ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestStoreRoutingIsStable(t *testing.T) {
	s := newTestStore(t, WithShards(8))
	key := []byte("stable-key")
	want := s.shardFor(key)
	for i := 0; i < 100; i++ {
		if got := s.shardFor(key); got != want {
			t.Fatal("routing for the same key must always hit the same shard")
		}
	}
}

func TestStoreRejectsOversizedKeyValue(t *testing.T) {
	s := newTestStore(t, WithShards(2), WithMaxKeySize(4), WithMaxValueSize(4))

	if err := s.Set([]byte("toolong"), []byte("ok")); err != ErrKeyTooLarge {
		t.Fatalf("expected ErrKeyTooLarge, got %v", err)
	}
	if err := s.Set([]byte("ok"), []byte("toolong")); err != ErrValueTooLarge {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestStoreCas(t *testing.T) {
	s := newTestStore(t, WithShards(4))
	key := []byte("cas-key")
	if err := s.Set(key, []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := s.Cas(key, 0, []byte("v2")); err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch with wrong version, got %v", err)
	}

	newVer, err := s.Cas(key, 1, []byte("v2"))
	if err != nil {
		t.Fatalf("Cas: %v", err)
	}
	if newVer != 2 {
		t.Fatalf("expected version 2, got %d", newVer)
	}
	v, _ := s.Get(key)
	if string(v) != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}
}

func TestStoreStatsAggregatesShards(t *testing.T) {
	s := newTestStore(t, WithShards(4))
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := s.Set(key, []byte("v")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	stats := s.Stats()
	if stats.EntryCount != 20 {
		t.Fatalf("expected 20 entries across shards, got %d", stats.EntryCount)
	}
}

func TestNewRejectsNonPowerOfTwoShards(t *testing.T) {
	ar := arena.New(make([]byte, 1<<16))
	if _, err := New(ar, WithShards(3)); err == nil {
		t.Fatal("expected error for non-power-of-two shard count")
	}
}
