package replay

import (
	"testing"

	"github.com/veddb/veddb/pkg/document"
	"github.com/veddb/veddb/pkg/storage"
	"github.com/veddb/veddb/pkg/wal"
)

func newTestWriter(t *testing.T) (*wal.Writer, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := wal.DefaultConfig(dir)
	cfg.FsyncPolicy = wal.FsyncAlways
	w, err := wal.NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, dir
}

func newTestLayer(t *testing.T) *storage.Layer {
	t.Helper()
	l, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestDirectoryReplaysInsert(t *testing.T) {
	w, dir := newTestWriter(t)

	doc := document.New()
	doc.Set("name", document.StringValue("john"))
	if _, err := w.Append(wal.Operation{Kind: wal.OpInsertDoc, Collection: "users", Doc: doc}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	layer := newTestLayer(t)
	stats, err := Directory(dir, layer, 0, nil)
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	if stats.EntriesReplayed != 1 || stats.EntriesSkipped != 0 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got, err := layer.GetDocument("users", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	nameVal, _ := got.Get("name")
	if nameVal.Str != "john" {
		t.Fatalf("unexpected replayed document: %+v", got)
	}
}

func TestDirectoryReplaySkipsBeforeFromSequence(t *testing.T) {
	w, dir := newTestWriter(t)

	for i := 0; i < 3; i++ {
		doc := document.New()
		doc.Set("n", document.IntValue(int64(i)))
		if _, err := w.Append(wal.Operation{Kind: wal.OpInsertDoc, Collection: "test", Doc: doc}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	layer := newTestLayer(t)
	stats, err := Directory(dir, layer, 1, nil)
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	if stats.EntriesReplayed != 2 || stats.EntriesSkipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDirectoryReplayHandlesDeleteAndUpdate(t *testing.T) {
	w, dir := newTestWriter(t)

	doc := document.New()
	doc.Set("age", document.IntValue(1))
	if _, err := w.Append(wal.Operation{Kind: wal.OpInsertDoc, Collection: "users", Doc: doc}); err != nil {
		t.Fatalf("Append insert: %v", err)
	}
	if _, err := w.Append(wal.Operation{
		Kind: wal.OpUpdateDoc, Collection: "users", DocID: doc.ID,
		Changes: map[string]document.Value{"age": document.IntValue(2)},
	}); err != nil {
		t.Fatalf("Append update: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	layer := newTestLayer(t)
	stats, err := Directory(dir, layer, 0, nil)
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	if stats.EntriesReplayed != 2 {
		t.Fatalf("expected 2 replayed entries, got %+v", stats)
	}

	got, err := layer.GetDocument("users", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	ageVal, _ := got.Get("age")
	if ageVal.Int != 2 {
		t.Fatalf("expected age 2 after update, got %+v", ageVal)
	}

	if _, err := w.Append(wal.Operation{Kind: wal.OpDeleteDoc, Collection: "users", DocID: doc.ID}); err != nil {
		t.Fatalf("Append delete: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := Directory(dir, layer, 0, nil); err != nil {
		t.Fatalf("Directory (second pass): %v", err)
	}
	if _, err := layer.GetDocument("users", doc.ID); err != storage.ErrNotFound {
		t.Fatalf("expected document deleted, got err=%v", err)
	}
}

func TestVerifyIntegrityAcceptsCleanFile(t *testing.T) {
	w, dir := newTestWriter(t)
	if _, err := w.Append(wal.Operation{Kind: wal.OpInsertDoc, Collection: "test", Doc: document.New()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	files, err := wal.ScanFiles(dir)
	if err != nil {
		t.Fatalf("ScanFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}

	ok, err := VerifyIntegrity(files[0])
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !ok {
		t.Fatal("expected clean WAL file to verify")
	}
}
