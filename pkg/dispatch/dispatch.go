// Package dispatch implements the command dispatcher (C10): it decodes a
// wire Command, routes its opcode to a registered Handler, and turns
// handler errors into the response status codes the wire protocol
// defines.
//
// © 2025 arena-cache authors. MIT License.
package dispatch

import (
	"context"
	"errors"

	"github.com/veddb/veddb/pkg/kv"
	"github.com/veddb/veddb/pkg/pubsub"
	"github.com/veddb/veddb/pkg/storage"
	"github.com/veddb/veddb/pkg/wire"
)

// Handler processes a decoded Command and produces a Response.
type Handler func(cmd wire.Command) wire.Response

// statusError lets any package describe how one of its errors maps onto a
// wire Status without dispatch importing that package's error types
// directly for every new opcode family.
type statusError interface {
	WireStatus() wire.Status
}

// Dispatcher routes opcodes to handlers.
type Dispatcher struct {
	handlers map[wire.Opcode]Handler
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[wire.Opcode]Handler)}
}

// Register installs handler for opcode, overwriting any previous handler.
func (d *Dispatcher) Register(opcode wire.Opcode, handler Handler) {
	d.handlers[opcode] = handler
}

// Dispatch decodes buf as a Command, routes it, and returns an encoded
// Response frame. A response's Seq always matches the command's Seq.
// Unknown opcodes and header version mismatches yield a StatusError
// response rather than invoking any handler.
func (d *Dispatcher) Dispatch(buf []byte) []byte {
	cmd, err := wire.DecodeCommand(buf)
	if err != nil {
		return wire.Response{Status: wire.StatusError}.Encode()
	}
	if cmd.Header.Version != wire.VersionCurrent && cmd.Header.Version != wire.VersionLegacy {
		return wire.Response{Status: wire.StatusError, Seq: cmd.Header.Seq}.Encode()
	}

	handler, ok := d.handlers[wire.Opcode(cmd.Header.Opcode)]
	if !ok {
		return wire.Response{Status: wire.StatusError, Seq: cmd.Header.Seq}.Encode()
	}

	resp := handler(cmd)
	resp.Seq = cmd.Header.Seq
	return resp.Encode()
}

// StatusFor maps a known engine error to its wire status code, falling
// back to StatusError for anything unrecognized.
func StatusFor(err error) wire.Status {
	if err == nil {
		return wire.StatusOK
	}
	var se statusError
	if errors.As(err, &se) {
		return se.WireStatus()
	}
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return wire.StatusNotFound
	case errors.Is(err, kv.ErrVersionMismatch):
		return wire.StatusVersionMismatch
	case errors.Is(err, kv.ErrKeyTooLarge), errors.Is(err, kv.ErrValueTooLarge):
		return wire.StatusBadRequest
	case errors.Is(err, kv.ErrOutOfMemory), errors.Is(err, pubsub.ErrRingFull), errors.Is(err, pubsub.ErrRegistryAtCapacity), errors.Is(err, pubsub.ErrSubscribersAtCapacity):
		return wire.StatusRingFull
	case errors.Is(err, context.DeadlineExceeded):
		return wire.StatusTimeout
	case errors.Is(err, pubsub.ErrTopicNotFound), errors.Is(err, storage.ErrNotFound):
		return wire.StatusNotFound
	case errors.Is(err, pubsub.ErrNameTooLong), errors.Is(err, pubsub.ErrTopicExists):
		return wire.StatusBadRequest
	default:
		return wire.StatusError
	}
}

// KVHandlers builds the Get/Set/Del/Cas handlers for a kv.Store, ready to
// Register against a Dispatcher.
func KVHandlers(store *kv.Store) map[wire.Opcode]Handler {
	return map[wire.Opcode]Handler{
		wire.OpGet: func(cmd wire.Command) wire.Response {
			value, ok := store.Get(cmd.Key)
			if !ok {
				return wire.Response{Status: wire.StatusNotFound}
			}
			return wire.Response{Status: wire.StatusOK, Value: value}
		},
		wire.OpSet: func(cmd wire.Command) wire.Response {
			if err := store.Set(cmd.Key, cmd.Value); err != nil {
				return wire.Response{Status: StatusFor(err)}
			}
			return wire.Response{Status: wire.StatusOK}
		},
		wire.OpDel: func(cmd wire.Command) wire.Response {
			if !store.Delete(cmd.Key) {
				return wire.Response{Status: wire.StatusNotFound}
			}
			return wire.Response{Status: wire.StatusOK}
		},
		wire.OpCas: func(cmd wire.Command) wire.Response {
			newVersion, err := store.Cas(cmd.Key, cmd.Header.Extra, cmd.Value)
			if err != nil {
				return wire.Response{Status: StatusFor(err)}
			}
			return wire.Response{Status: wire.StatusOK, Extra: newVersion}
		},
		wire.OpPing: func(cmd wire.Command) wire.Response {
			return wire.Response{Status: wire.StatusOK}
		},
	}
}
