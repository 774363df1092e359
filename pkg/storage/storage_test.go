package storage

import (
	"testing"

	"github.com/veddb/veddb/pkg/document"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestInsertGetDeleteDocument(t *testing.T) {
	l := newTestLayer(t)

	doc := document.New()
	doc.Set("name", document.StringValue("ada"))
	if err := l.InsertDocument("users", doc); err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}

	got, err := l.GetDocument("users", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	nameVal, ok := got.Get("name")
	if !ok || nameVal.Str != "ada" {
		t.Fatalf("unexpected document: %+v", got)
	}

	exists, err := l.Exists("users", doc.ID)
	if err != nil || !exists {
		t.Fatalf("Exists: got %v err %v", exists, err)
	}

	deleted, err := l.DeleteDocument("users", doc.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteDocument: got %v err %v", deleted, err)
	}

	if _, err := l.GetDocument("users", doc.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpdateDocumentMergesFields(t *testing.T) {
	l := newTestLayer(t)

	doc := document.New()
	doc.Set("age", document.IntValue(30))
	if err := l.InsertDocument("users", doc); err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}

	err := l.UpdateDocument("users", doc.ID, map[string]document.Value{
		"age":  document.IntValue(31),
		"name": document.StringValue("grace"),
	})
	if err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	got, err := l.GetDocument("users", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if v, _ := got.Get("age"); v.Int != 31 {
		t.Fatalf("expected age 31, got %+v", v)
	}
	if v, _ := got.Get("name"); v.Str != "grace" {
		t.Fatalf("expected name grace, got %+v", v)
	}
}

func TestUpdateMissingDocumentIsNoop(t *testing.T) {
	l := newTestLayer(t)
	err := l.UpdateDocument("users", document.NewID(), map[string]document.Value{"x": document.IntValue(1)})
	if err != nil {
		t.Fatalf("expected nil error for missing-document update, got %v", err)
	}
}

func TestScanCollectionReturnsAllDocuments(t *testing.T) {
	l := newTestLayer(t)
	for i := 0; i < 5; i++ {
		doc := document.New()
		doc.Set("n", document.IntValue(int64(i)))
		if err := l.InsertDocument("users", doc); err != nil {
			t.Fatalf("InsertDocument %d: %v", i, err)
		}
	}
	// A document in a different collection must not appear in the scan.
	other := document.New()
	if err := l.InsertDocument("accounts", other); err != nil {
		t.Fatalf("InsertDocument other: %v", err)
	}

	docs, err := l.ScanCollection("users")
	if err != nil {
		t.Fatalf("ScanCollection: %v", err)
	}
	if len(docs) != 5 {
		t.Fatalf("expected 5 documents, got %d", len(docs))
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	l := newTestLayer(t)
	if err := l.StoreMetadata("collection:users", []byte(`{"name":"users"}`)); err != nil {
		t.Fatalf("StoreMetadata: %v", err)
	}
	got, err := l.GetMetadata("collection:users")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if string(got) != `{"name":"users"}` {
		t.Fatalf("unexpected metadata: %s", got)
	}
	if err := l.DeleteMetadata("collection:users"); err != nil {
		t.Fatalf("DeleteMetadata: %v", err)
	}
	if _, err := l.GetMetadata("collection:users"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
