package ring

import "sync/atomic"

type mpmcSlot struct {
	sequence atomic.Uint64
	data     Slot
}

// MPMC is a bounded lock-free multi-producer/multi-consumer ring buffer
// using Dmitry Vyukov's algorithm: each slot carries a sequence number that
// coordinates access between producers and consumers without locks or
// blocking (beyond short spins while a concurrent claimant finishes).
type MPMC struct {
	head     paddedCounter
	tail     paddedCounter
	capacity uint64
	mask     uint64
	slots    []mpmcSlot
}

// NewMPMC allocates an MPMC ring with the given power-of-two capacity.
func NewMPMC(capacity uint64) *MPMC {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("ring: MPMC capacity must be a power of two")
	}
	r := &MPMC{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    make([]mpmcSlot, capacity),
	}
	for i := range r.slots {
		r.slots[i].sequence.Store(uint64(i))
	}
	return r
}

// TryPush claims the next slot and writes data into it, returning false if
// the ring is full (head - tail >= capacity). A producer that finds the ring
// full returns before claiming anything, so consumers observe no visible
// change. A producer whose claimed slot still holds an unpopped value waits
// for a consumer to vacate it.
func (r *MPMC) TryPush(data Slot) bool {
	if r.Len() >= r.capacity {
		return false
	}
	head := r.head.v.Add(1) - 1
	idx := head & r.mask
	slot := &r.slots[idx]
	expected := head

	for {
		seq := slot.sequence.Load()
		switch {
		case seq == expected:
			slot.data = data
			slot.sequence.Store(expected + 1)
			return true
		case seq < expected:
			continue // a laggard consumer hasn't vacated this slot yet
		default:
			return false // ring is full
		}
	}
}

// Push pushes data, spinning until space is available.
func (r *MPMC) Push(data Slot) {
	for !r.TryPush(data) {
	}
}

// TryPop claims the next slot and reads it, returning ok=false if the ring
// is empty.
func (r *MPMC) TryPop() (Slot, bool) {
	tail := r.tail.v.Add(1) - 1
	idx := tail & r.mask
	slot := &r.slots[idx]
	expected := tail + 1

	for {
		seq := slot.sequence.Load()
		switch {
		case seq == expected:
			data := slot.data
			slot.sequence.Store(expected + r.capacity - 1)
			return data, true
		case seq < expected:
			return Slot{}, false // not yet written
		default:
			continue // shouldn't happen in normal operation; retry
		}
	}
}

// Pop pops a slot, spinning until one is available.
func (r *MPMC) Pop() Slot {
	for {
		if slot, ok := r.TryPop(); ok {
			return slot
		}
	}
}

// PeekAt reads the slot published at the given monotonic index without
// consuming it, for readers that track their own cursor instead of
// competing for TryPop (pub/sub fan-out, where every subscriber must see
// every message rather than exactly one subscriber winning each slot).
// ok is false if index hasn't been published yet, or has already been
// overwritten by a later publish that wrapped around the ring — in the
// latter case the caller fell behind and missed it.
func (r *MPMC) PeekAt(index uint64) (Slot, bool) {
	slot := &r.slots[index&r.mask]
	if slot.sequence.Load() != index+1 {
		return Slot{}, false
	}
	return slot.data, true
}

// Head returns the next index a publish will claim, usable as the starting
// cursor for a subscriber that only wants messages published from now on.
func (r *MPMC) Head() uint64 { return r.head.v.Load() }

// Len returns the approximate number of queued slots (racy under concurrent access).
func (r *MPMC) Len() uint64 {
	head := r.head.v.Load()
	tail := r.tail.v.Load()
	if head < tail {
		return 0
	}
	return head - tail
}

// IsEmpty reports whether the ring appears empty.
func (r *MPMC) IsEmpty() bool { return r.Len() == 0 }

// Capacity returns the ring's fixed capacity.
func (r *MPMC) Capacity() uint64 { return r.capacity }
