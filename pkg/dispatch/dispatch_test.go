package dispatch

import (
	"testing"

	"github.com/veddb/veddb/internal/arena"
	"github.com/veddb/veddb/pkg/kv"
	"github.com/veddb/veddb/pkg/wire"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	ar := arena.New(make([]byte, 1<<20))
	store, err := kv.New(ar, kv.WithShards(4))
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	d := New()
	for op, h := range KVHandlers(store) {
		d.Register(op, h)
	}
	return d
}

func TestDispatchSetThenGet(t *testing.T) {
	d := newTestDispatcher(t)

	setCmd := wire.Command{
		Header: wire.Header{Opcode: uint8(wire.OpSet), Version: wire.VersionCurrent, Seq: 1},
		Key:    []byte("k"),
		Value:  []byte("v"),
	}
	setResp, err := wire.DecodeResponse(d.Dispatch(setCmd.Encode()))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if setResp.Status != wire.StatusOK || setResp.Seq != 1 {
		t.Fatalf("unexpected set response: %+v", setResp)
	}

	getCmd := wire.Command{
		Header: wire.Header{Opcode: uint8(wire.OpGet), Version: wire.VersionCurrent, Seq: 2},
		Key:    []byte("k"),
	}
	getResp, err := wire.DecodeResponse(d.Dispatch(getCmd.Encode()))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if getResp.Status != wire.StatusOK || string(getResp.Value) != "v" || getResp.Seq != 2 {
		t.Fatalf("unexpected get response: %+v", getResp)
	}
}

func TestDispatchGetMissingReturnsNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	cmd := wire.Command{Header: wire.Header{Opcode: uint8(wire.OpGet), Version: wire.VersionCurrent}, Key: []byte("missing")}
	resp, err := wire.DecodeResponse(d.Dispatch(cmd.Encode()))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Status != wire.StatusNotFound {
		t.Fatalf("expected StatusNotFound, got %v", resp.Status)
	}
}

func TestDispatchUnknownOpcode(t *testing.T) {
	d := newTestDispatcher(t)
	cmd := wire.Command{Header: wire.Header{Opcode: 0x99, Version: wire.VersionCurrent, Seq: 7}}
	resp, err := wire.DecodeResponse(d.Dispatch(cmd.Encode()))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Status != wire.StatusError || resp.Seq != 7 {
		t.Fatalf("unexpected response for unknown opcode: %+v", resp)
	}
}
