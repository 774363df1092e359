// Package replay drives WAL recovery: scanning one or more WAL files in
// sequence order and applying their operations to a storage.Layer,
// skipping anything already captured by an earlier snapshot.
//
// © 2025 arena-cache authors. MIT License.
package replay

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/veddb/veddb/pkg/storage"
	"github.com/veddb/veddb/pkg/wal"
)

// Stats summarizes one replay run.
type Stats struct {
	EntriesReplayed uint64
	EntriesSkipped  uint64
	Errors          uint64
	LastSequence    uint64
}

func (s *Stats) add(other Stats) {
	s.EntriesReplayed += other.EntriesReplayed
	s.EntriesSkipped += other.EntriesSkipped
	s.Errors += other.Errors
	if other.LastSequence > s.LastSequence {
		s.LastSequence = other.LastSequence
	}
}

// File replays a single WAL file at path, applying every entry with
// sequence >= fromSequence to layer. A per-entry apply failure is logged
// and counted in Stats.Errors but does not abort the replay — matching
// the original's "don't let one bad record stop recovery" behavior.
func File(path string, layer *storage.Layer, fromSequence uint64, logger *zap.Logger) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r, err := wal.NewReader(path)
	if err != nil {
		return Stats{}, fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer r.Close()

	var stats Stats
	for {
		entry, err := r.NextEntry()
		if err != nil {
			if ce, ok := err.(*wal.CorruptedEntryError); ok {
				logger.Warn("replay: skipping corrupted entry", zap.Uint64("sequence", ce.Sequence))
				stats.Errors++
				continue
			}
			return stats, fmt.Errorf("replay: read entry: %w", err)
		}
		if entry == nil {
			break
		}

		if entry.Sequence < fromSequence {
			stats.EntriesSkipped++
			continue
		}

		if err := Apply(entry.Operation, layer); err != nil {
			logger.Warn("replay: failed to apply entry",
				zap.Uint64("sequence", entry.Sequence), zap.Error(err))
			stats.Errors++
			continue
		}

		stats.EntriesReplayed++
		stats.LastSequence = entry.Sequence
	}

	return stats, nil
}

// Directory replays every WAL file under dir, in ascending file-number
// order, against layer.
func Directory(dir string, layer *storage.Layer, fromSequence uint64, logger *zap.Logger) (Stats, error) {
	files, err := wal.ScanFiles(dir)
	if err != nil {
		return Stats{}, fmt.Errorf("replay: scan %s: %w", dir, err)
	}

	var total Stats
	for _, path := range files {
		stats, err := File(path, layer, fromSequence, logger)
		if err != nil {
			return total, err
		}
		total.add(stats)
	}
	return total, nil
}

// Apply applies a single WAL operation to layer, the same per-kind
// dispatch File uses for recovery replay — exported so other callers
// (e.g. the replication slave's incremental-sync path) can reuse it
// instead of re-deriving the operation-to-storage-call mapping.
func Apply(op wal.Operation, layer *storage.Layer) error {
	switch op.Kind {
	case wal.OpInsertDoc:
		return layer.InsertDocument(op.Collection, op.Doc)

	case wal.OpUpdateDoc:
		return layer.UpdateDocument(op.Collection, op.DocID, op.Changes)

	case wal.OpDeleteDoc:
		_, err := layer.DeleteDocument(op.Collection, op.DocID)
		return err

	case wal.OpCreateCollection:
		key := "collection:" + op.Collection
		return layer.StoreMetadata(key, []byte(op.SchemaJSON))

	case wal.OpDropCollection:
		// Matches the original's simplified drop: metadata is removed but
		// member documents are left for a future explicit scan-and-delete.
		return layer.DeleteMetadata("collection:" + op.Collection)

	case wal.OpCreateIndex:
		key := fmt.Sprintf("index:%s:%s", op.Collection, op.IndexName)
		return layer.StoreMetadata(key, []byte(op.IndexJSON))

	case wal.OpDropIndex:
		key := fmt.Sprintf("index:%s:%s", op.Collection, op.IndexName)
		return layer.DeleteMetadata(key)

	default:
		return fmt.Errorf("replay: unknown operation kind %d", op.Kind)
	}
}

// VerifyIntegrity reads every entry in a WAL file, reporting whether every
// checksum verified and sequences were monotonically non-decreasing.
func VerifyIntegrity(path string) (bool, error) {
	r, err := wal.NewReader(path)
	if err != nil {
		return false, fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer r.Close()

	var lastSeq uint64
	var first = true
	for {
		entry, err := r.NextEntry()
		if err != nil {
			if _, ok := err.(*wal.CorruptedEntryError); ok {
				return false, nil
			}
			return false, fmt.Errorf("replay: read entry: %w", err)
		}
		if entry == nil {
			break
		}
		if !first && entry.Sequence < lastSeq {
			return false, nil
		}
		lastSeq = entry.Sequence
		first = false
	}
	return true, nil
}
