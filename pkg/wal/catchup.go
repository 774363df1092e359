package wal

// EntriesFrom scans every WAL file under dir in file-number order and
// returns every entry with Sequence >= fromSequence, for streaming an
// incremental catch-up to a replication slave that already holds
// everything before fromSequence. Corrupted frames are skipped rather
// than aborting the scan, the same "don't let one bad record stop the
// rest" precedent replay.File follows.
func EntriesFrom(dir string, fromSequence uint64) ([]Entry, error) {
	paths, err := ScanFiles(dir)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, path := range paths {
		r, err := NewReader(path)
		if err != nil {
			return nil, err
		}
		for {
			entry, err := r.NextEntry()
			if err != nil {
				if _, ok := err.(*CorruptedEntryError); ok {
					continue
				}
				r.Close()
				return nil, err
			}
			if entry == nil {
				break
			}
			if entry.Sequence >= fromSequence {
				entries = append(entries, *entry)
			}
		}
		r.Close()
	}
	return entries, nil
}

// OldestSequence returns the lowest sequence number present across every
// WAL file currently retained under dir, and whether any entry was found
// at all. A master uses this to decide whether a slave's last-applied
// sequence is still fully covered by what's on disk, or whether
// compaction has already removed entries the slave would need, forcing a
// full resync instead of an incremental catch-up.
func OldestSequence(dir string) (uint64, bool, error) {
	paths, err := ScanFiles(dir)
	if err != nil {
		return 0, false, err
	}

	for _, path := range paths {
		r, err := NewReader(path)
		if err != nil {
			return 0, false, err
		}
		entry, err := r.NextEntry()
		r.Close()
		if err != nil {
			if ce, ok := err.(*CorruptedEntryError); ok {
				return ce.Sequence, true, nil
			}
			continue
		}
		if entry != nil {
			return entry.Sequence, true, nil
		}
	}
	return 0, false, nil
}
