package replication

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxMessageSize caps an incoming frame, guarding against a corrupted or
// malicious length prefix triggering an unbounded allocation.
const MaxMessageSize = 100 * 1024 * 1024

// ErrMessageTooLarge is returned when a peer's length prefix exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("replication: message exceeds maximum size")

// Connection wraps a TCP stream to a replication peer (master or slave)
// with length-prefixed message framing and per-call timeouts.
type Connection struct {
	conn         net.Conn
	r            *bufio.Reader
	connectionID string
	sendTimeout  time.Duration
	recvTimeout  time.Duration
	logger       *zap.Logger
}

// NewConnection wraps conn, identified by connectionID for logging.
func NewConnection(conn net.Conn, connectionID string, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		conn:         conn,
		r:            bufio.NewReader(conn),
		connectionID: connectionID,
		sendTimeout:  30 * time.Second,
		recvTimeout:  30 * time.Second,
		logger:       logger,
	}
}

// ConnectionID returns this connection's logging identifier.
func (c *Connection) ConnectionID() string { return c.connectionID }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SendMessage frames and writes msg: a little-endian u32 length prefix
// followed by its JSON encoding.
func (c *Connection) SendMessage(msg Message) error {
	encoded, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout)); err != nil {
		return fmt.Errorf("replication: set write deadline: %w", err)
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("replication: write length: %w", err)
	}
	if _, err := c.conn.Write(encoded); err != nil {
		return fmt.Errorf("replication: write payload: %w", err)
	}

	c.logger.Debug("sent replication message",
		zap.String("kind", msg.Kind.String()), zap.String("peer", c.connectionID))
	return nil
}

// ReceiveMessage reads and decodes the next framed message.
func (c *Connection) ReceiveMessage() (Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.recvTimeout)); err != nil {
		return Message{}, fmt.Errorf("replication: set read deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{})

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("replication: read length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return Message{}, ErrMessageTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return Message{}, fmt.Errorf("replication: read payload: %w", err)
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		return Message{}, err
	}

	c.logger.Debug("received replication message",
		zap.String("kind", msg.Kind.String()), zap.String("peer", c.connectionID))
	return msg, nil
}

// IsAlive probes the connection by sending a zero-sequence heartbeat.
func (c *Connection) IsAlive() bool {
	return c.SendMessage(Heartbeat(0, time.Now())) == nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error { return c.conn.Close() }

// BackoffConfig configures ExponentialBackoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig mirrors the original's defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Initial: time.Second, Max: 60 * time.Second, Multiplier: 2.0}
}

// ExponentialBackoff produces a growing reconnect delay sequence, capped
// at Max, resettable after a successful reconnect.
type ExponentialBackoff struct {
	current  time.Duration
	cfg      BackoffConfig
	attempts uint32
}

// NewExponentialBackoff builds a backoff sequence starting at cfg.Initial.
func NewExponentialBackoff(cfg BackoffConfig) *ExponentialBackoff {
	return &ExponentialBackoff{current: cfg.Initial, cfg: cfg}
}

// Next returns the delay to wait before the next reconnect attempt and
// advances the sequence.
func (b *ExponentialBackoff) Next() time.Duration {
	delay := b.current
	b.attempts++
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.current = next
	return delay
}

// Reset returns the backoff to its initial state.
func (b *ExponentialBackoff) Reset() {
	b.current = b.cfg.Initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *ExponentialBackoff) Attempts() uint32 { return b.attempts }

// Listener accepts incoming slave TCP connections on a master node.
type Listener struct {
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr for incoming slave connections.
func Listen(ctx context.Context, addr string, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("replication: listen %s: %w", addr, err)
	}
	logger.Info("replication listener bound", zap.String("addr", ln.Addr().String()))
	return &Listener{ln: ln, logger: logger}, nil
}

// Accept blocks for the next incoming slave connection.
func (l *Listener) Accept() (*Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("replication: accept: %w", err)
	}
	connectionID := fmt.Sprintf("slave-%s-%s", conn.RemoteAddr(), uuid.NewString())
	l.logger.Info("accepted slave connection", zap.String("peer", conn.RemoteAddr().String()))
	return NewConnection(conn, connectionID, l.logger), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the listener.
func (l *Listener) Close() error { return l.ln.Close() }
