package wal

import (
	"os"
	"testing"

	"github.com/veddb/veddb/pkg/document"
)

func newTestWriter(t *testing.T, mutate func(*Config)) *Writer {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.FsyncPolicy = FsyncAlways
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func insertOp(collection string) Operation {
	return Operation{Kind: OpInsertDoc, Collection: collection, Doc: document.New()}
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	w := newTestWriter(t, nil)

	seq1, err := w.Append(insertOp("users"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := w.Append(insertOp("users"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq1 != 0 || seq2 != 1 {
		t.Fatalf("expected sequences 0,1, got %d,%d", seq1, seq2)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.FsyncPolicy = FsyncAlways
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Append(insertOp("users")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append(Operation{Kind: OpDeleteDoc, Collection: "users", DocID: document.NewID()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	files, err := ScanFiles(dir)
	if err != nil {
		t.Fatalf("ScanFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 wal file, got %d", len(files))
	}

	r, err := NewReader(files[0])
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	e1, err := r.NextEntry()
	if err != nil || e1 == nil {
		t.Fatalf("NextEntry 1: entry=%v err=%v", e1, err)
	}
	if e1.Sequence != 0 {
		t.Fatalf("expected sequence 0, got %d", e1.Sequence)
	}
	e2, err := r.NextEntry()
	if err != nil || e2 == nil {
		t.Fatalf("NextEntry 2: entry=%v err=%v", e2, err)
	}
	if e2.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", e2.Sequence)
	}
	e3, err := r.NextEntry()
	if err != nil || e3 != nil {
		t.Fatalf("expected clean EOF, got entry=%v err=%v", e3, err)
	}
	if r.EntriesRead() != 2 {
		t.Fatalf("expected 2 entries read, got %d", r.EntriesRead())
	}
}

func TestWriterCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.FsyncPolicy = FsyncAlways
	cfg.Compress = true
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Append(insertOp("users")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	files, _ := ScanFiles(dir)
	r, err := NewReader(files[0])
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	entry, err := r.NextEntry()
	if err != nil || entry == nil {
		t.Fatalf("NextEntry: entry=%v err=%v", entry, err)
	}
	if entry.Operation.Collection != "users" {
		t.Fatalf("expected collection %q, got %q", "users", entry.Operation.Collection)
	}
}

func TestReopenResumesGlobalSequence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.FsyncPolicy = FsyncAlways

	w1, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := w1.Append(insertOp("users")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w1.Close()

	w2, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter (reopen): %v", err)
	}
	defer w2.Close()
	if w2.CurrentSequence() != 3 {
		t.Fatalf("expected resumed sequence 3, got %d", w2.CurrentSequence())
	}
	seq, err := w2.Append(insertOp("users"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected next sequence 3, got %d", seq)
	}
}

func TestRotationCreatesMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.FsyncPolicy = FsyncAlways
	cfg.MaxFileSize = 256
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 50; i++ {
		if _, err := w.Append(insertOp("users")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	files, err := ScanFiles(dir)
	if err != nil {
		t.Fatalf("ScanFiles: %v", err)
	}
	if len(files) <= 1 {
		t.Fatalf("expected rotation to create multiple files, got %d", len(files))
	}
}

func TestCompactRemovesFullyObsoleteFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.FsyncPolicy = FsyncAlways
	cfg.MaxFileSize = 256
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	var lastSeq uint64
	for i := 0; i < 50; i++ {
		seq, err := w.Append(insertOp("users"))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		lastSeq = seq
	}

	before, err := ScanFiles(dir)
	if err != nil {
		t.Fatalf("ScanFiles: %v", err)
	}
	if len(before) <= 1 {
		t.Fatal("expected multiple files before compaction")
	}

	removed, err := w.Compact(lastSeq)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected compaction to remove at least one file")
	}

	after, err := ScanFiles(dir)
	if err != nil {
		t.Fatalf("ScanFiles: %v", err)
	}
	if len(after) != len(before)-removed {
		t.Fatalf("expected %d files remaining, got %d", len(before)-removed, len(after))
	}
	if _, err := os.Stat(w.currentPath); err != nil {
		t.Fatalf("current file should survive compaction: %v", err)
	}
}
