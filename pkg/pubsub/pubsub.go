// Package pubsub implements the topic registry and publish/subscribe
// layer (C8): named topics backed by an MPMC ring, subscribers with
// independent read cursors, configurable overflow retention, and
// single-segment wildcard pattern matching on publish.
//
// © 2025 arena-cache authors. MIT License.
package pubsub

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/veddb/veddb/internal/arena"
	"github.com/veddb/veddb/internal/ring"
)

// Errors returned by the registry and topic operations.
var (
	ErrNameTooLong        = errors.New("pubsub: topic name too long")
	ErrTopicExists         = errors.New("pubsub: topic already exists")
	ErrRegistryAtCapacity  = errors.New("pubsub: topic registry at capacity")
	ErrTopicNotFound       = errors.New("pubsub: topic not found")
	ErrSubscribersAtCapacity = errors.New("pubsub: subscriber array full")
	ErrRingFull            = errors.New("pubsub: ring full")
)

// MaxNameLength bounds a topic name, matching the data model's name[<=255].
const MaxNameLength = 255

// Retention controls what publish does when a topic's ring is full.
type Retention uint8

// Retention policies.
const (
	DropOldest Retention = iota
	DropNewest
	Block
)

// Subscriber tracks one subscription's independent read cursor into a
// topic's ring.
type Subscriber struct {
	ID     uint64
	cursor atomic.Uint64
}

// Topic is a named message channel: an MPMC ring of payload Slots plus
// the bookkeeping the data model describes.
type Topic struct {
	Name        string
	Capacity    uint64
	Retention   Retention
	maxSubs     int

	ring *ring.MPMC
	ar   *arena.Arena

	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber

	messagesPublished atomic.Uint64
	messagesDropped   atomic.Uint64
}

func newTopic(name string, capacity uint64, maxSubs int, retention Retention, ar *arena.Arena) *Topic {
	return &Topic{
		Name:        name,
		Capacity:    capacity,
		Retention:   retention,
		maxSubs:     maxSubs,
		ring:        ring.NewMPMC(capacity),
		ar:          ar,
		subscribers: make(map[uint64]*Subscriber),
	}
}

// Publish copies payload into the arena and pushes a reference to it onto
// the topic's ring, applying the configured retention policy on overflow.
func (t *Topic) Publish(payload []byte) error {
	slot, ok := t.toSlot(payload)
	if !ok {
		return ErrRingFull
	}

	for {
		if t.ring.TryPush(slot) {
			t.messagesPublished.Add(1)
			return nil
		}
		switch t.Retention {
		case DropOldest:
			t.ring.TryPop()
		case DropNewest:
			t.messagesDropped.Add(1)
			return ErrRingFull
		case Block:
			continue
		}
	}
}

func (t *Topic) toSlot(payload []byte) (ring.Slot, bool) {
	if slot, ok := ring.InlineData(payload); ok {
		return slot, true
	}
	offset := t.ar.Allocate(uint32(len(payload)), 8)
	if offset == 0 {
		return ring.Slot{}, false
	}
	copy(t.ar.AtMut(offset, uint32(len(payload))), payload)
	return ring.ArenaOffset(uint32(len(payload)), offset), true
}

func (t *Topic) fromSlot(slot ring.Slot) []byte {
	if b, ok := slot.InlineBytes(); ok {
		return b
	}
	offset, _ := slot.ArenaRef()
	return t.ar.At(offset, slot.Len)
}

// Subscribe registers a new subscriber starting at the ring's current
// head, so it only observes messages published from now on.
func (t *Topic) Subscribe(id uint64) (*Subscriber, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subscribers) >= t.maxSubs {
		return nil, ErrSubscribersAtCapacity
	}
	sub := &Subscriber{ID: id}
	sub.cursor.Store(t.ring.Head())
	t.subscribers[id] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber.
func (t *Topic) Unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, id)
}

// Lookup returns the subscriber registered under id, for callers (like the
// dispatcher) that only carry a subscriber ID across the wire and need the
// Subscriber Fetch expects.
func (t *Topic) Lookup(id uint64) (*Subscriber, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.subscribers[id]
	return sub, ok
}

// SubscriberCount returns the number of current subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Fetch returns the next unseen message for sub, advancing its cursor. ok
// is false if there is nothing new, or if the subscriber fell behind far
// enough that the message it was waiting on was already overwritten — in
// that case the cursor jumps forward to the oldest index the ring can still
// hold (its current head minus its capacity).
func (t *Topic) Fetch(sub *Subscriber) (payload []byte, ok bool) {
	cursor := sub.cursor.Load()
	slot, found := t.ring.PeekAt(cursor)
	if !found {
		if head := t.ring.Head(); head > cursor+t.Capacity {
			sub.cursor.Store(head - t.Capacity)
		}
		return nil, false
	}
	sub.cursor.Store(cursor + 1)
	return t.fromSlot(slot), true
}

// Stats is a point-in-time snapshot of a topic's counters.
type Stats struct {
	MessagesPublished uint64
	MessagesDropped   uint64
	SubscriberCount   int
}

// Stats returns the topic's current counters.
func (t *Topic) Stats() Stats {
	return Stats{
		MessagesPublished: t.messagesPublished.Load(),
		MessagesDropped:   t.messagesDropped.Load(),
		SubscriberCount:   t.SubscriberCount(),
	}
}

// Registry is the topic registry: creation, lookup, and pattern-matched
// publish across topics, guarded by one registry-level rwlock plus each
// topic's own lock for subscriber-set mutation.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]*Topic
	maxTopics int
	ar       *arena.Arena
}

// NewRegistry creates an empty topic registry backed by ar, accepting at
// most maxTopics distinct topics.
func NewRegistry(ar *arena.Arena, maxTopics int) *Registry {
	return &Registry{topics: make(map[string]*Topic), maxTopics: maxTopics, ar: ar}
}

// Create registers a new topic, failing on duplicate names, overlong
// names, or a full registry.
func (r *Registry) Create(name string, capacity uint64, maxSubscribers int, retention Retention) (*Topic, error) {
	if len(name) > MaxNameLength {
		return nil, ErrNameTooLong
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[name]; exists {
		return nil, ErrTopicExists
	}
	if len(r.topics) >= r.maxTopics {
		return nil, ErrRegistryAtCapacity
	}
	t := newTopic(name, capacity, maxSubscribers, retention, r.ar)
	r.topics[name] = t
	return t, nil
}

// Get looks up a topic by exact name.
func (r *Registry) Get(name string) (*Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

// PublishPattern publishes payload to every topic whose name matches
// pattern. A pattern segment of "*" matches any single dot-delimited
// segment at that position; all other segments must match literally.
func (r *Registry) PublishPattern(pattern string, payload []byte) (matched int, err error) {
	r.mu.RLock()
	targets := make([]*Topic, 0, 1)
	for name, t := range r.topics {
		if matchPattern(pattern, name) {
			targets = append(targets, t)
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if pubErr := t.Publish(payload); pubErr != nil {
			err = pubErr
			continue
		}
		matched++
	}
	return matched, err
}

func matchPattern(pattern, name string) bool {
	pSegs := strings.Split(pattern, ".")
	nSegs := strings.Split(name, ".")
	if len(pSegs) != len(nSegs) {
		return false
	}
	for i, seg := range pSegs {
		if seg == "*" {
			continue
		}
		if seg != nSegs[i] {
			return false
		}
	}
	return true
}
