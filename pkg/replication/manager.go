package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSlaveLimitExceeded is returned by AddSlave once MaxSlaves are attached.
var ErrSlaveLimitExceeded = errors.New("replication: slave limit exceeded")

// SlaveInfo describes a connected slave for status reporting.
type SlaveInfo struct {
	ConnectionID string
	PeerAddr     string
	Connected    bool
}

type slaveHandle struct {
	conn     *Connection
	sendCh   chan Message
	cancel   context.CancelFunc
	group    *errgroup.Group
	finished bool
	mu       sync.Mutex
}

func (h *slaveHandle) isFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

func (h *slaveHandle) markFinished() {
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
}

// broadcastWorkerCount is the fixed size of the fan-out worker pool
// connected slaves are rendezvous-hashed onto, rather than every
// broadcast iterating every slave from the calling goroutine.
const broadcastWorkerCount = 4

func rendezvousHash(s string, seed uint64) uint64 {
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], seed)
	h := xxhash.New()
	h.Write(seedBuf[:])
	h.Write([]byte(s))
	return h.Sum64()
}

// Manager owns the master side of replication: every attached slave
// connection, a fixed pool of broadcast fan-out workers assigned by
// rendezvous hashing (so a worker's slave set barely changes as slaves
// attach/detach), and per-slave send/receive task pairs.
type Manager struct {
	mu            sync.Mutex
	slaves        map[string]*slaveHandle
	workerMembers []map[string]*slaveHandle
	maxSlaves     int
	logger        *zap.Logger

	workerQueues []chan Message
	workerHash   *rendezvous.Rendezvous
}

// NewManager creates a Manager accepting up to maxSlaves concurrent
// slaves, and starts its fixed broadcast worker pool.
func NewManager(maxSlaves int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	workerNames := make([]string, broadcastWorkerCount)
	for i := range workerNames {
		workerNames[i] = fmt.Sprintf("worker-%d", i)
	}
	m := &Manager{
		slaves:        make(map[string]*slaveHandle),
		workerMembers: make([]map[string]*slaveHandle, broadcastWorkerCount),
		maxSlaves:     maxSlaves,
		logger:        logger,
		workerQueues:  make([]chan Message, broadcastWorkerCount),
		workerHash:    rendezvous.New(workerNames, rendezvousHash),
	}
	for i := range m.workerQueues {
		m.workerMembers[i] = make(map[string]*slaveHandle)
		m.workerQueues[i] = make(chan Message, 64)
		go m.runWorker(i)
	}
	return m
}

func (m *Manager) workerIndexFor(connectionID string) int {
	idx := 0
	fmt.Sscanf(m.workerHash.Lookup(connectionID), "worker-%d", &idx)
	return idx
}

// runWorker delivers every message enqueued on workerQueues[idx] to the
// slaves currently assigned to that worker, so a broadcast's fan-out work
// for one subset of slaves never blocks behind another's.
func (m *Manager) runWorker(idx int) {
	for msg := range m.workerQueues[idx] {
		m.mu.Lock()
		members := make([]*slaveHandle, 0, len(m.workerMembers[idx]))
		for _, handle := range m.workerMembers[idx] {
			members = append(members, handle)
		}
		m.mu.Unlock()

		for _, handle := range members {
			if handle.isFinished() {
				continue
			}
			select {
			case handle.sendCh <- msg:
			default:
				m.logger.Warn("replication: slave send buffer full, dropping broadcast",
					zap.String("slave", handle.conn.ConnectionID()))
			}
		}
	}
}

// AddSlave attaches conn, spawning its send and receive loops under an
// errgroup pair so either direction failing tears down both.
func (m *Manager) AddSlave(ctx context.Context, conn *Connection) error {
	m.mu.Lock()
	if len(m.slaves) >= m.maxSlaves {
		m.mu.Unlock()
		return ErrSlaveLimitExceeded
	}
	m.mu.Unlock()

	slaveCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(slaveCtx)

	handle := &slaveHandle{
		conn:   conn,
		sendCh: make(chan Message, 64),
		cancel: cancel,
		group:  group,
	}

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case msg, ok := <-handle.sendCh:
				if !ok {
					return nil
				}
				if err := conn.SendMessage(msg); err != nil {
					m.logger.Warn("replication: send to slave failed",
						zap.String("slave", conn.ConnectionID()), zap.Error(err))
					return err
				}
			}
		}
	})

	group.Go(func() error {
		for {
			msg, err := conn.ReceiveMessage()
			if err != nil {
				return err
			}
			m.logger.Debug("replication: received from slave",
				zap.String("slave", conn.ConnectionID()), zap.String("kind", msg.Kind.String()))
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
		}
	})

	workerIdx := m.workerIndexFor(conn.ConnectionID())
	m.mu.Lock()
	m.slaves[conn.ConnectionID()] = handle
	m.workerMembers[workerIdx][conn.ConnectionID()] = handle
	m.mu.Unlock()

	go func() {
		_ = group.Wait()
		handle.markFinished()
		cancel()
		m.logger.Info("replication: slave connection terminated", zap.String("slave", conn.ConnectionID()))
	}()

	m.logger.Info("replication: added slave connection",
		zap.String("slave", conn.ConnectionID()), zap.String("peer", conn.RemoteAddr().String()))
	return nil
}

// BroadcastMessage hands msg to every broadcast worker, which forwards it
// to the slaves currently assigned to it. Returns the number of healthy
// slaves the message was dispatched towards at enqueue time.
func (m *Manager) BroadcastMessage(msg Message) int {
	m.mu.Lock()
	healthy := 0
	for _, handle := range m.slaves {
		if !handle.isFinished() {
			healthy++
		}
	}
	m.mu.Unlock()

	for _, q := range m.workerQueues {
		select {
		case q <- msg:
		default:
			m.logger.Warn("replication: broadcast worker queue full, dropping message")
		}
	}
	return healthy
}

// CleanupDisconnected removes slave handles whose task pair has exited.
func (m *Manager) CleanupDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, handle := range m.slaves {
		if handle.isFinished() {
			delete(m.slaves, id)
			m.removeFromWorkerLocked(id)
			m.logger.Info("replication: removed disconnected slave", zap.String("slave", id))
		}
	}
}

func (m *Manager) removeFromWorkerLocked(connectionID string) {
	for _, members := range m.workerMembers {
		delete(members, connectionID)
	}
}

// SlaveCount returns the number of attached slave handles, healthy or not.
func (m *Manager) SlaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slaves)
}

// HealthySlaveCount returns the number of attached slaves whose task pair
// hasn't exited.
func (m *Manager) HealthySlaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, handle := range m.slaves {
		if !handle.isFinished() {
			n++
		}
	}
	return n
}

// SlaveInfos returns a snapshot of every attached slave's status.
func (m *Manager) SlaveInfos() []SlaveInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]SlaveInfo, 0, len(m.slaves))
	for id, handle := range m.slaves {
		infos = append(infos, SlaveInfo{
			ConnectionID: id,
			PeerAddr:     handle.conn.RemoteAddr().String(),
			Connected:    !handle.isFinished(),
		})
	}
	return infos
}

// CanAcceptMoreSlaves reports whether another slave may be attached.
func (m *Manager) CanAcceptMoreSlaves() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slaves) < m.maxSlaves
}

// DisconnectSlave tears down and removes the slave identified by connectionID.
func (m *Manager) DisconnectSlave(connectionID string) bool {
	m.mu.Lock()
	handle, ok := m.slaves[connectionID]
	if ok {
		delete(m.slaves, connectionID)
		m.removeFromWorkerLocked(connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancel()
	m.logger.Info("replication: disconnected slave", zap.String("slave", connectionID))
	return true
}
