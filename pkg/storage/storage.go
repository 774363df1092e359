// Package storage implements the durable collection layer WAL replay and
// snapshot restore write into: documents and collection/index metadata
// persisted with BadgerDB, keyed so a scan over a collection is a single
// prefix iteration.
//
// © 2025 arena-cache authors. MIT License.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/veddb/veddb/pkg/document"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("storage: not found")

// Layer is the durable document and metadata store collections and WAL
// replay write through.
type Layer struct {
	db *badger.DB
}

// Open opens (creating if absent) a Layer backed by a Badger database at dir.
func Open(dir string) (*Layer, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return &Layer{db: db}, nil
}

// Close closes the underlying database.
func (l *Layer) Close() error { return l.db.Close() }

func documentKey(collection string, id document.ID) []byte {
	return []byte(fmt.Sprintf("doc:%s:%s", collection, id))
}

func collectionPrefix(collection string) []byte {
	return []byte(fmt.Sprintf("doc:%s:", collection))
}

func metadataKey(key string) []byte {
	return []byte("meta:" + key)
}

// InsertDocument stores doc under collection, keyed by its ID. A document
// already present at that key is silently overwritten, matching replay's
// idempotent-apply requirement (re-running an insert from an earlier WAL
// offset must not fail).
func (l *Layer) InsertDocument(collection string, doc document.Document) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: marshal document: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(documentKey(collection, doc.ID), encoded)
	})
}

// GetDocument returns the document stored under id in collection, or
// ErrNotFound if absent.
func (l *Layer) GetDocument(collection string, id document.ID) (document.Document, error) {
	var doc document.Document
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(documentKey(collection, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// UpdateDocument overwrites the document stored under id, merging changes
// into the existing document's fields. A missing document is a no-op,
// mirroring the original replay behavior of silently skipping updates to
// documents that were never (or no longer) present.
func (l *Layer) UpdateDocument(collection string, id document.ID, changes map[string]document.Value) error {
	doc, err := l.GetDocument(collection, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	for field, value := range changes {
		doc.Set(field, value)
	}
	return l.InsertDocument(collection, doc)
}

// DeleteDocument removes the document stored under id, reporting whether
// it was present.
func (l *Layer) DeleteDocument(collection string, id document.ID) (bool, error) {
	key := documentKey(collection, id)
	existed := true
	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				existed = false
				return nil
			}
			return err
		}
		return txn.Delete(key)
	})
	return existed, err
}

// Exists reports whether a document with id exists in collection.
func (l *Layer) Exists(collection string, id document.ID) (bool, error) {
	exists := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(documentKey(collection, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// ScanCollection returns every document stored under collection.
func (l *Layer) ScanCollection(collection string) ([]document.Document, error) {
	var docs []document.Document
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := collectionPrefix(collection)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var doc document.Document
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

// StoreMetadata persists an arbitrary key/value metadata pair — used for
// collection schemas and index definitions, keyed by the caller
// ("collection:<name>", "index:<collection>:<name>").
func (l *Layer) StoreMetadata(key string, value []byte) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metadataKey(key), value)
	})
}

// GetMetadata returns the value stored under key, or ErrNotFound.
func (l *Layer) GetMetadata(key string) ([]byte, error) {
	var value []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metadataKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DeleteMetadata removes the value stored under key, if any.
func (l *Layer) DeleteMetadata(key string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metadataKey(key))
	})
}

// ListCollections returns the names of every collection with a stored
// "collection:<name>" metadata entry, for snapshot building and admin
// listing.
func (l *Layer) ListCollections() ([]string, error) {
	const prefix = "meta:collection:"
	var names []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, prefix))
		}
		return nil
	})
	return names, err
}
