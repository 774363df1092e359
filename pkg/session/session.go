// Package session implements the fixed-capacity session registry (C7):
// one entry per attached client, each owning a command ring the client
// produces into and the server consumes, and a response ring the server
// produces into and the client consumes.
//
// © 2025 arena-cache authors. MIT License.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/veddb/veddb/internal/arena"
	"github.com/veddb/veddb/internal/ring"
	"github.com/veddb/veddb/pkg/wire"
)

// ErrAtCapacity is returned by Attach when every slot is occupied.
var ErrAtCapacity = errors.New("session: registry at capacity")

// Flags bits for a session slot.
const (
	FlagNone     uint32 = 0
	FlagAttached uint32 = 1 << 0
)

// ID identifies a session within a Registry.
type ID uint32

// entry is one registry slot. cmdRing/respRing are process-local SPSC
// rings; the "offset" fields record which slot in the rings arrays
// backs this session, mirroring the wire data model's
// cmd_ring_offset/resp_ring_offset without needing manual
// pointer-to-offset translation inside a single address space.
type entry struct {
	id            ID
	pid           int32
	cmdRingIndex  int
	respRingIndex int
	lastSeenTS    int64
	flags         uint32
	inUse         bool
}

// Registry is the fixed-capacity session table, guarded by one
// registry-level rwlock as the shared-resource policy requires.
type Registry struct {
	mu            sync.RWMutex
	entries       []entry
	cmdRings      []*ring.SPSC
	respRings     []*ring.SPSC
	ringCapacity  uint64
	sessionTimeout time.Duration
	now           func() int64
}

// Option configures a Registry.
type Option func(*registryConfig)

type registryConfig struct {
	capacity       int
	ringCapacity   uint64
	sessionTimeout time.Duration
	now            func() int64
}

// WithCapacity sets the maximum number of simultaneously attached sessions.
func WithCapacity(n int) Option { return func(c *registryConfig) { c.capacity = n } }

// WithRingCapacity sets the power-of-two capacity of each session's command
// and response rings.
func WithRingCapacity(n uint64) Option { return func(c *registryConfig) { c.ringCapacity = n } }

// WithSessionTimeout sets how long a session may go without a heartbeat
// before Sweep detaches it.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *registryConfig) { c.sessionTimeout = d }
}

// NewRegistry creates a Registry with the given options.
func NewRegistry(opts ...Option) *Registry {
	cfg := registryConfig{
		capacity:       1024,
		ringCapacity:   256,
		sessionTimeout: 60 * time.Second,
		now:            func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Registry{
		entries:        make([]entry, cfg.capacity),
		cmdRings:       make([]*ring.SPSC, cfg.capacity),
		respRings:      make([]*ring.SPSC, cfg.capacity),
		ringCapacity:   cfg.ringCapacity,
		sessionTimeout: cfg.sessionTimeout,
		now:            cfg.now,
	}
	for i := range r.entries {
		r.entries[i].id = ID(i)
	}
	return r
}

// Attach allocates a free slot for pid, wiring up a fresh pair of SPSC
// rings, and returns its session ID.
func (r *Registry) Attach(pid int32) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		e := &r.entries[i]
		if e.inUse {
			continue
		}
		e.inUse = true
		e.pid = pid
		e.lastSeenTS = r.now()
		e.flags = FlagAttached
		e.cmdRingIndex = i
		e.respRingIndex = i
		r.cmdRings[i] = ring.NewSPSC(r.ringCapacity)
		r.respRings[i] = ring.NewSPSC(r.ringCapacity)
		return e.id, nil
	}
	return 0, ErrAtCapacity
}

// Detach frees id's rings and clears its slot.
func (r *Registry) Detach(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(id)
}

func (r *Registry) detachLocked(id ID) {
	if int(id) >= len(r.entries) {
		return
	}
	e := &r.entries[id]
	if !e.inUse {
		return
	}
	r.cmdRings[e.cmdRingIndex] = nil
	r.respRings[e.respRingIndex] = nil
	*e = entry{id: e.id}
}

// Heartbeat refreshes id's last-seen timestamp, keeping it alive against
// the staleness sweep.
func (r *Registry) Heartbeat(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.entries) || !r.entries[id].inUse {
		return
	}
	r.entries[id].lastSeenTS = r.now()
}

// Sweep detaches every session whose last-seen timestamp exceeds the
// configured session timeout, returning the IDs it detached.
func (r *Registry) Sweep() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var swept []ID
	for i := range r.entries {
		e := &r.entries[i]
		if !e.inUse {
			continue
		}
		if now-e.lastSeenTS > int64(r.sessionTimeout/time.Second) {
			swept = append(swept, e.id)
			r.detachLocked(e.id)
		}
	}
	return swept
}

// PushCommand enqueues an encoded command frame onto id's command ring,
// copying payloads larger than the ring slot's inline capacity into ar
// and publishing an arena-offset Slot instead.
func (r *Registry) PushCommand(id ID, ar *arena.Arena, cmd wire.Command) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.entries) || !r.entries[id].inUse {
		return false
	}
	slot := encodeToSlot(ar, cmd.Encode())
	return r.cmdRings[r.entries[id].cmdRingIndex].TryPush(slot)
}

// TryGetCommand pops and reassembles a Command from id's command ring, or
// returns ok=false if it is empty.
func (r *Registry) TryGetCommand(id ID, ar *arena.Arena) (cmd wire.Command, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.entries) || !r.entries[id].inUse {
		return wire.Command{}, false
	}
	slot, popped := r.cmdRings[r.entries[id].cmdRingIndex].TryPop()
	if !popped {
		return wire.Command{}, false
	}
	buf := decodeFromSlot(ar, slot)
	c, err := wire.DecodeCommand(buf)
	if err != nil {
		return wire.Command{}, false
	}
	return c, true
}

// SendResponse pushes resp onto id's response ring, copying payloads
// larger than the ring slot's inline capacity into ar.
func (r *Registry) SendResponse(id ID, ar *arena.Arena, resp wire.Response) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.entries) || !r.entries[id].inUse {
		return false
	}
	slot := encodeToSlot(ar, resp.Encode())
	return r.respRings[r.entries[id].respRingIndex].TryPush(slot)
}

// TryGetResponse pops and reassembles a Response from id's response ring.
func (r *Registry) TryGetResponse(id ID, ar *arena.Arena) (resp wire.Response, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.entries) || !r.entries[id].inUse {
		return wire.Response{}, false
	}
	slot, popped := r.respRings[r.entries[id].respRingIndex].TryPop()
	if !popped {
		return wire.Response{}, false
	}
	buf := decodeFromSlot(ar, slot)
	resp, err := wire.DecodeResponse(buf)
	if err != nil {
		return wire.Response{}, false
	}
	return resp, true
}

// encodeToSlot stores data inline when it fits in a Slot's 8 inline
// bytes, otherwise copies it into ar and references it by offset.
func encodeToSlot(ar *arena.Arena, data []byte) ring.Slot {
	if slot, ok := ring.InlineData(data); ok {
		return slot
	}
	offset := ar.Allocate(uint32(len(data)), 8)
	if offset == 0 {
		return ring.Slot{}
	}
	copy(ar.AtMut(offset, uint32(len(data))), data)
	return ring.ArenaOffset(uint32(len(data)), offset)
}

func decodeFromSlot(ar *arena.Arena, slot ring.Slot) []byte {
	if b, ok := slot.InlineBytes(); ok {
		return b
	}
	offset, _ := slot.ArenaRef()
	return ar.At(offset, slot.Len)
}

// Count returns the number of currently attached sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for i := range r.entries {
		if r.entries[i].inUse {
			n++
		}
	}
	return n
}
