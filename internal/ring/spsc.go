package ring

import "sync/atomic"

// paddedCounter is a cache-line-padded atomic index, used to keep the
// producer and consumer indices of an SPSC ring from sharing a cache line.
type paddedCounter struct {
	v   atomic.Uint64
	_   [cacheLinePad]byte
}

// SPSC is a single-producer/single-consumer lock-free ring of Slots.
// Exactly one goroutine may call the producer methods and exactly one
// (possibly different) goroutine may call the consumer methods; violating
// this is undefined behavior, matching the data model's single-attacher
// invariant for command/response rings.
type SPSC struct {
	producer paddedCounter
	consumer paddedCounter
	capacity uint64
	mask     uint64
	slots    []Slot
}

// NewSPSC allocates an SPSC ring with the given power-of-two capacity.
func NewSPSC(capacity uint64) *SPSC {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("ring: SPSC capacity must be a power of two")
	}
	return &SPSC{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    make([]Slot, capacity),
	}
}

// TryPush attempts to push slot without blocking, returning false if full.
func (r *SPSC) TryPush(slot Slot) bool {
	producerIdx := r.producer.v.Load()
	consumerIdx := r.consumer.v.Load()

	if producerIdx-consumerIdx >= r.capacity {
		return false
	}

	r.slots[producerIdx&r.mask] = slot
	r.producer.v.Store(producerIdx + 1)
	return true
}

// Push pushes slot, spinning until space is available.
func (r *SPSC) Push(slot Slot) {
	for !r.TryPush(slot) {
	}
}

// TryPop attempts to pop a slot without blocking, returning ok=false if empty.
func (r *SPSC) TryPop() (Slot, bool) {
	consumerIdx := r.consumer.v.Load()
	producerIdx := r.producer.v.Load()

	if consumerIdx >= producerIdx {
		return Slot{}, false
	}

	slot := r.slots[consumerIdx&r.mask]
	r.slots[consumerIdx&r.mask] = Slot{}
	r.consumer.v.Store(consumerIdx + 1)
	return slot, true
}

// Pop pops a slot, spinning until one is available.
func (r *SPSC) Pop() Slot {
	for {
		if slot, ok := r.TryPop(); ok {
			return slot
		}
	}
}

// Len returns the approximate number of queued slots.
func (r *SPSC) Len() uint64 {
	producerIdx := r.producer.v.Load()
	consumerIdx := r.consumer.v.Load()
	if producerIdx < consumerIdx {
		return 0
	}
	return producerIdx - consumerIdx
}

// IsEmpty reports whether the ring currently has no queued slots.
func (r *SPSC) IsEmpty() bool { return r.Len() == 0 }

// IsFull reports whether the ring currently has no free slots.
func (r *SPSC) IsFull() bool { return r.Len() >= r.capacity }

// Capacity returns the ring's fixed capacity.
func (r *SPSC) Capacity() uint64 { return r.capacity }
