// Package replication implements master/slave log shipping (C14): a
// length-prefixed JSON message protocol, a per-slave send/receive task
// pair, exponential-backoff reconnection on the slave side, and a
// listener that accepts incoming slave connections on the master side.
//
// © 2025 arena-cache authors. MIT License.
package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/veddb/veddb/pkg/snapshot"
	"github.com/veddb/veddb/pkg/wal"
)

// Kind discriminates the Message union.
type Kind uint8

// Message kinds.
const (
	KindSyncRequest Kind = iota
	KindFullSync
	KindIncrementalSync
	KindHeartbeat
	KindAck
	KindError
	KindPromoteToMaster
	KindMasterShutdown
)

func (k Kind) String() string {
	switch k {
	case KindSyncRequest:
		return "SyncRequest"
	case KindFullSync:
		return "FullSync"
	case KindIncrementalSync:
		return "IncrementalSync"
	case KindHeartbeat:
		return "Heartbeat"
	case KindAck:
		return "Ack"
	case KindError:
		return "Error"
	case KindPromoteToMaster:
		return "PromoteToMaster"
	case KindMasterShutdown:
		return "MasterShutdown"
	default:
		return "Unknown"
	}
}

// AckStatus reports the outcome of an acknowledged operation.
type AckStatus uint8

// AckStatus values.
const (
	AckSuccess AckStatus = iota
	AckFailed
	AckPartial
)

// ErrorCode enumerates recognized replication protocol error conditions.
type ErrorCode uint8

// ErrorCode values.
const (
	ErrInvalidMessage ErrorCode = iota
	ErrAuthenticationFailed
	ErrSequenceError
	ErrSnapshotCorrupted
	ErrWALCorrupted
	ErrInternalError
	ErrSlaveLimit
	ErrTimeout
)

// Description returns a human-readable description of code.
func (code ErrorCode) Description() string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message format"
	case ErrAuthenticationFailed:
		return "authentication failed"
	case ErrSequenceError:
		return "sequence number out of order"
	case ErrSnapshotCorrupted:
		return "snapshot data is corrupted"
	case ErrWALCorrupted:
		return "WAL entry is corrupted"
	case ErrInternalError:
		return "internal server error"
	case ErrSlaveLimit:
		return "maximum number of slaves exceeded"
	case ErrTimeout:
		return "operation timed out"
	default:
		return "unknown error"
	}
}

// Message is a replication protocol frame. Only the fields relevant to
// Kind are populated, mirroring the original's enum-of-structs as a
// single discriminated struct (Go has no sum types).
type Message struct {
	Kind Kind `json:"kind"`

	// SyncRequest
	LastSequence uint64 `json:"last_sequence,omitempty"`
	SlaveID      string `json:"slave_id,omitempty"`

	// FullSync
	SnapshotHeader snapshot.Header `json:"snapshot_header,omitzero"`
	SnapshotData   []byte          `json:"snapshot_data,omitempty"`

	// IncrementalSync
	Entries []wal.Entry `json:"entries,omitempty"`

	// Heartbeat
	Timestamp       time.Time `json:"timestamp,omitzero"`
	CurrentSequence uint64    `json:"current_sequence,omitempty"`

	// Ack
	AckSequence uint64    `json:"ack_sequence,omitempty"`
	Status      AckStatus `json:"status,omitempty"`

	// Error
	Code         ErrorCode `json:"code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// PromoteToMaster
	AuthToken string `json:"auth_token,omitempty"`

	// MasterShutdown
	Reason string `json:"reason,omitempty"`
}

// IsControlMessage reports whether m carries control metadata rather than
// replicated data.
func (m Message) IsControlMessage() bool {
	switch m.Kind {
	case KindHeartbeat, KindAck, KindError, KindPromoteToMaster, KindMasterShutdown:
		return true
	default:
		return false
	}
}

// Heartbeat builds a Heartbeat message carrying currentSequence, stamped
// with the given time (callers pass it in so this package never calls
// time.Now() directly).
func Heartbeat(currentSequence uint64, now time.Time) Message {
	return Message{Kind: KindHeartbeat, Timestamp: now, CurrentSequence: currentSequence}
}

// AckSuccessMsg builds a successful Ack for sequence.
func AckSuccessMsg(sequence uint64) Message {
	return Message{Kind: KindAck, AckSequence: sequence, Status: AckSuccess}
}

// AckFailedMsg builds a failed Ack for sequence.
func AckFailedMsg(sequence uint64) Message {
	return Message{Kind: KindAck, AckSequence: sequence, Status: AckFailed}
}

// ErrorMsg builds an Error message.
func ErrorMsg(code ErrorCode, message string) Message {
	return Message{Kind: KindError, Code: code, ErrorMessage: message}
}

// Encode serializes m to JSON.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("replication: encode message: %w", err)
	}
	return b, nil
}

// DecodeMessage deserializes a Message from JSON.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("replication: decode message: %w", err)
	}
	return m, nil
}
