package replication

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/veddb/veddb/pkg/wal"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{
		Kind:         KindIncrementalSync,
		Entries:      []wal.Entry{{Sequence: 1}, {Sequence: 2}},
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Kind != KindIncrementalSync || len(decoded.Entries) != 2 {
		t.Fatalf("unexpected decoded message: %+v", decoded)
	}
}

func TestExponentialBackoff(t *testing.T) {
	cfg := BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2.0}
	b := NewExponentialBackoff(cfg)

	if d := b.Next(); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", d)
	}
	if b.Attempts() != 1 {
		t.Fatalf("expected 1 attempt, got %d", b.Attempts())
	}
	if d := b.Next(); d != 200*time.Millisecond {
		t.Fatalf("expected 200ms, got %v", d)
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Fatalf("expected 0 attempts after reset, got %d", b.Attempts())
	}
	if d := b.Next(); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms after reset, got %v", d)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 3 * time.Second, Multiplier: 10.0}
	b := NewExponentialBackoff(cfg)
	b.Next()
	if d := b.Next(); d > cfg.Max {
		t.Fatalf("expected backoff capped at %v, got %v", cfg.Max, d)
	}
}

func connPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverCh <- conn
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverConn := <-serverCh
	return clientConn, serverConn
}

func TestConnectionSendReceive(t *testing.T) {
	clientRaw, serverRaw := connPipe(t)
	defer clientRaw.Close()
	defer serverRaw.Close()

	client := NewConnection(clientRaw, "client", nil)
	server := NewConnection(serverRaw, "server", nil)

	want := Message{Kind: KindSyncRequest, LastSequence: 42, SlaveID: "slave-1"}
	done := make(chan error, 1)
	go func() { done <- client.SendMessage(want) }()

	got, err := server.ReceiveMessage()
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got.Kind != want.Kind || got.LastSequence != want.LastSequence || got.SlaveID != want.SlaveID {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestManagerAddSlaveAndBroadcast(t *testing.T) {
	clientRaw, serverRaw := connPipe(t)
	defer clientRaw.Close()

	server := NewConnection(serverRaw, "slave-a", nil)
	manager := NewManager(2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.AddSlave(ctx, server); err != nil {
		t.Fatalf("AddSlave: %v", err)
	}

	client := NewConnection(clientRaw, "client", nil)
	sent := manager.BroadcastMessage(Heartbeat(7, time.Now()))
	if sent != 1 {
		t.Fatalf("expected broadcast dispatched to 1 slave, got %d", sent)
	}

	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := client.ReceiveMessage()
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg.Kind != KindHeartbeat || msg.CurrentSequence != 7 {
		t.Fatalf("unexpected broadcast message: %+v", msg)
	}
}

func TestManagerRejectsOverLimit(t *testing.T) {
	manager := NewManager(0, nil)
	clientRaw, serverRaw := connPipe(t)
	defer clientRaw.Close()
	defer serverRaw.Close()

	conn := NewConnection(serverRaw, "slave-over", nil)
	if err := manager.AddSlave(context.Background(), conn); err != ErrSlaveLimitExceeded {
		t.Fatalf("expected ErrSlaveLimitExceeded, got %v", err)
	}
}
