package replication

import (
	"testing"

	"github.com/veddb/veddb/pkg/document"
	"github.com/veddb/veddb/pkg/storage"
	"github.com/veddb/veddb/pkg/wal"
)

func newTestStorage(t *testing.T) *storage.Layer {
	t.Helper()
	l, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSlaveApplyFullSyncWritesDocuments(t *testing.T) {
	masterStore := newTestStorage(t)
	doc := document.New()
	doc.Set("name", document.StringValue("alice"))
	if err := masterStore.InsertDocument("people", doc); err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}
	if err := masterStore.StoreMetadata("collection:people", []byte(`{"fields":{}}`)); err != nil {
		t.Fatalf("StoreMetadata: %v", err)
	}

	master := NewMaster(DefaultConfig(), masterStore, t.TempDir(), nil, nil)
	built, err := master.buildSnapshot()
	if err != nil {
		t.Fatalf("buildSnapshot: %v", err)
	}

	slaveStore := newTestStorage(t)
	slave := NewSlave(DefaultConfig(), slaveStore, "slave-1", nil)

	if err := slave.applyFullSync(Message{Kind: KindFullSync, SnapshotHeader: built.header, SnapshotData: built.data}); err != nil {
		t.Fatalf("applyFullSync: %v", err)
	}

	got, err := slaveStore.GetDocument("people", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	nameVal, _ := got.Get("name")
	if nameVal.Str != "alice" {
		t.Fatalf("unexpected applied document: %+v", got)
	}
	if slave.LastSequence() != built.header.Sequence {
		t.Fatalf("expected last sequence %d, got %d", built.header.Sequence, slave.LastSequence())
	}
}

func TestSlaveApplyIncrementalReplaysOperations(t *testing.T) {
	slaveStore := newTestStorage(t)
	slave := NewSlave(DefaultConfig(), slaveStore, "slave-1", nil)

	doc := document.New()
	doc.Set("age", document.IntValue(1))
	entries := []wal.Entry{
		{Sequence: 1, Operation: wal.Operation{Kind: wal.OpInsertDoc, Collection: "users", Doc: doc}},
		{Sequence: 2, Operation: wal.Operation{
			Kind: wal.OpUpdateDoc, Collection: "users", DocID: doc.ID,
			Changes: map[string]document.Value{"age": document.IntValue(2)},
		}},
	}

	if err := slave.applyIncremental(Message{Kind: KindIncrementalSync, Entries: entries}); err != nil {
		t.Fatalf("applyIncremental: %v", err)
	}

	got, err := slaveStore.GetDocument("users", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	ageVal, _ := got.Get("age")
	if ageVal.Int != 2 {
		t.Fatalf("expected age 2 after incremental replay, got %+v", got)
	}
	if slave.LastSequence() != 2 {
		t.Fatalf("expected last sequence 2, got %d", slave.LastSequence())
	}
}

func TestIncrementalReachableTreatsZeroAsNeverSynced(t *testing.T) {
	master := NewMaster(DefaultConfig(), newTestStorage(t), t.TempDir(), nil, nil)
	reachable, err := master.incrementalReachable(0)
	if err != nil {
		t.Fatalf("incrementalReachable: %v", err)
	}
	if reachable {
		t.Fatal("expected lastSequence 0 to always require a full sync")
	}
}
