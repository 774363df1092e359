package arena

import (
	"sync"
	"testing"
)

func newTestArena(size int) *Arena {
	return New(make([]byte, size))
}

func TestArenaAllocateBasic(t *testing.T) {
	a := newTestArena(1 << 20)
	off := a.Allocate(64, 8)
	if off == 0 {
		t.Fatal("expected non-zero offset")
	}
	if !a.IsValidOffset(off) {
		t.Fatal("offset should be valid")
	}
}

// TestS2ArenaReuse mirrors spec scenario S2: freeing a size-class block
// makes it reusable by a same-class allocation; freeing an off-class block
// does not guarantee reuse.
func TestS2ArenaReuse(t *testing.T) {
	a := newTestArena(1 << 20)

	o1 := a.Allocate(64, 8)
	a.Free(o1, 64)
	o2 := a.Allocate(64, 8)
	if o1 != o2 {
		t.Fatalf("expected size-class reuse: o1=%d o2=%d", o1, o2)
	}

	o3 := a.Allocate(100, 8)
	if o3 == o1 {
		t.Fatal("100-byte allocation should not land on the 64-byte class offset")
	}
	before := a.Stats().FreeCount
	a.Free(o3, 100)
	after := a.Stats().FreeCount
	if after != before+1 {
		t.Fatal("free_count should increment even when the block isn't recycled")
	}
}

func TestArenaOutOfMemory(t *testing.T) {
	a := newTestArena(128)
	if off := a.Allocate(1<<20, 8); off != 0 {
		t.Fatal("expected allocation failure to return 0")
	}
}

// TestArenaNonOverlap covers invariant 1: for all live allocations, ranges never overlap.
func TestArenaNonOverlap(t *testing.T) {
	a := newTestArena(1 << 20)
	type block struct{ off uint64; size uint32 }
	var blocks []block
	for i := 0; i < 200; i++ {
		size := uint32(8 << (i % 6))
		off := a.Allocate(size, 8)
		if off == 0 {
			t.Fatal("unexpected OOM")
		}
		blocks = append(blocks, block{off, size})
	}
	for i := range blocks {
		for j := range blocks {
			if i == j {
				continue
			}
			a1, b1 := blocks[i].off, blocks[i].off+uint64(blocks[i].size)
			a2, b2 := blocks[j].off, blocks[j].off+uint64(blocks[j].size)
			if a1 < b2 && a2 < b1 {
				t.Fatalf("overlap between blocks %d and %d", i, j)
			}
		}
	}
}

// TestArenaOffsetValidity covers invariant 2.
func TestArenaOffsetValidity(t *testing.T) {
	a := newTestArena(4096)
	for i := 0; i < 10; i++ {
		off := a.Allocate(32, 8)
		if off == 0 {
			continue
		}
		if off < headerSize || off+32 > a.total {
			t.Fatalf("offset %d out of bounds", off)
		}
	}
}

func TestArenaConcurrentAllocations(t *testing.T) {
	a := newTestArena(8 << 20)
	const goroutines = 16
	const perG = 500

	offsets := make(chan uint64, goroutines*perG)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				off := a.Allocate(64, 8)
				if off != 0 {
					offsets <- off
				}
			}
		}()
	}
	wg.Wait()
	close(offsets)

	seen := make(map[uint64]bool)
	for off := range offsets {
		if seen[off] {
			t.Fatalf("duplicate offset %d handed out concurrently", off)
		}
		seen[off] = true
	}
}
