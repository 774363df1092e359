package wal

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
)

// FsyncPolicy controls how aggressively Writer durably flushes appended entries.
type FsyncPolicy uint8

// Fsync policies.
const (
	FsyncAlways FsyncPolicy = iota
	FsyncEverySecond
	FsyncDisabled
)

// Config configures a Writer.
type Config struct {
	Dir         string
	FsyncPolicy FsyncPolicy
	MaxFileSize uint64
	Compress    bool
	Logger      *zap.Logger
}

// DefaultConfig mirrors the original's defaults: EverySecond fsync, 100MiB
// rotation threshold, uncompressed entries.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		FsyncPolicy: FsyncEverySecond,
		MaxFileSize: 100 * 1024 * 1024,
		Logger:      zap.NewNop(),
	}
}

// Writer appends Entries to a rotating sequence of wal-NNNNNNNNNN.log
// files under Config.Dir, maintaining the WAL's global monotonic sequence
// invariant across every file that has ever existed in the directory.
type Writer struct {
	mu          sync.Mutex
	file        *os.File
	currentPath string
	fileSize    uint64
	fileNumber  uint64

	sequence atomic.Uint64
	cfg      Config

	stopFsync chan struct{}
}

// NewWriter scans cfg.Dir for existing WAL files to resume the global
// sequence, then opens (or creates) the current file for appending.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}

	nextSeq, fileNum, err := scanExistingWALs(cfg.Dir)
	if err != nil {
		return nil, err
	}

	path := walFilePath(cfg.Dir, fileNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}

	w := &Writer{
		file:        f,
		currentPath: path,
		fileSize:    uint64(info.Size()),
		fileNumber:  fileNum,
		cfg:         cfg,
	}
	w.sequence.Store(nextSeq)

	if cfg.FsyncPolicy == FsyncEverySecond {
		w.stopFsync = make(chan struct{})
		go w.backgroundFsync()
	}

	return w, nil
}

func (w *Writer) backgroundFsync() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.cfg.Logger.Warn("wal background fsync failed", zap.Error(err))
			}
		case <-w.stopFsync:
			return
		}
	}
}

// Append assigns op the next sequence number, frames it, rotating the
// current file first if it would exceed MaxFileSize, and writes it.
func (w *Writer) Append(op Operation) (uint64, error) {
	sequence := w.sequence.Add(1) - 1

	entry := Entry{Sequence: sequence, Timestamp: time.Now(), Operation: op}
	checksumBytes, err := entry.marshalForChecksum()
	if err != nil {
		return 0, fmt.Errorf("wal: marshal for checksum: %w", err)
	}
	entry.Checksum = crc32.ChecksumIEEE(checksumBytes)

	frame, err := w.frame(entry)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fileSize+uint64(len(frame)) > w.cfg.MaxFileSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	if _, err := w.file.Write(frame); err != nil {
		return 0, fmt.Errorf("wal: write: %w", err)
	}
	if w.cfg.FsyncPolicy == FsyncAlways {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	}
	w.fileSize += uint64(len(frame))

	return sequence, nil
}

// frame serializes entry as [len][compressed-flag][payload][checksum].
// When Config.Compress is set, lz4.CompressBlock is tried first; per its
// documented contract it returns 0 (not an error) when the input doesn't
// shrink, in which case the frame falls back to storing the raw payload
// and clears the flag — the reader branches on the flag rather than
// assuming every frame in a Compress=true WAL is actually compressed.
func (w *Writer) frame(entry Entry) ([]byte, error) {
	payload, err := entry.marshal()
	if err != nil {
		return nil, fmt.Errorf("wal: marshal entry: %w", err)
	}

	var compressedFlag byte
	if w.cfg.Compress {
		var ht [1 << 16]int
		compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, compressed, ht[:])
		if err != nil {
			return nil, fmt.Errorf("wal: lz4 compress: %w", err)
		}
		if n > 0 {
			payload = compressed[:n]
			compressedFlag = 1
		}
	}

	frame := make([]byte, 0, 4+1+len(payload)+4)
	var lenBuf [4]byte
	putUint32LE(lenBuf[:], uint32(len(payload)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, compressedFlag)
	frame = append(frame, payload...)
	var sumBuf [4]byte
	putUint32LE(sumBuf[:], entry.Checksum)
	frame = append(frame, sumBuf[:]...)
	return frame, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Flush fsyncs the current file to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// CurrentSequence returns the next sequence Append will assign.
func (w *Writer) CurrentSequence() uint64 { return w.sequence.Load() }

// Close stops the background fsync goroutine, if any, and closes the
// current file.
func (w *Writer) Close() error {
	if w.stopFsync != nil {
		close(w.stopFsync)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: rotate sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: rotate close: %w", err)
	}

	w.fileNumber++
	path := walFilePath(w.cfg.Dir, w.fileNumber)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: rotate open: %w", err)
	}
	w.file = f
	w.currentPath = path
	w.fileSize = 0
	return nil
}

// Compact removes every closed WAL file whose entries (including
// corrupted ones, by their readable sequence) are all strictly below
// beforeSequence, returning the number of files removed. It never
// touches the currently open file.
func (w *Writer) Compact(beforeSequence uint64) (int, error) {
	w.mu.Lock()
	currentNum := w.fileNumber
	w.mu.Unlock()

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("wal: readdir: %w", err)
	}

	removed := 0
	for _, de := range entries {
		num, ok := parseWalFileNumber(de.Name())
		if !ok || num >= currentNum {
			continue
		}
		path := filepath.Join(w.cfg.Dir, de.Name())
		onlyBefore, err := fileContainsOnlyEntriesBefore(path, beforeSequence)
		if err != nil {
			w.cfg.Logger.Warn("wal: failed to validate file for compaction", zap.String("path", path), zap.Error(err))
			continue
		}
		if !onlyBefore {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.cfg.Logger.Warn("wal: failed to remove compacted file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func walFilePath(dir string, fileNumber uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%010d.log", fileNumber))
}

func parseWalFileNumber(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	numStr := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log")
	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}

// scanExistingWALs scans dir for wal-NNNNNNNNNN.log files, returning the
// next sequence to assign (one past the maximum sequence found across
// every file) and the highest file number found.
func scanExistingWALs(dir string) (nextSequence uint64, maxFileNumber uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("wal: readdir: %w", err)
	}

	var globalMaxSeq uint64
	var sawAny bool
	for _, de := range entries {
		num, ok := parseWalFileNumber(de.Name())
		if !ok {
			continue
		}
		if num > maxFileNumber {
			maxFileNumber = num
		}
		path := filepath.Join(dir, de.Name())
		fileMax, found, scanErr := scanFileForMaxSequence(path)
		if scanErr != nil {
			continue
		}
		if found && (!sawAny || fileMax > globalMaxSeq) {
			globalMaxSeq = fileMax
		}
		sawAny = sawAny || found
	}

	if sawAny {
		nextSequence = globalMaxSeq + 1
	}
	return nextSequence, maxFileNumber, nil
}

func scanFileForMaxSequence(path string) (maxSeq uint64, found bool, err error) {
	r, err := NewReader(path)
	if err != nil {
		return 0, false, err
	}
	defer r.Close()

	for {
		entry, err := r.NextEntry()
		if err != nil {
			if ce, ok := err.(*CorruptedEntryError); ok {
				if ce.Sequence > maxSeq {
					maxSeq = ce.Sequence
				}
				found = true
				continue
			}
			break
		}
		if entry == nil {
			break
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
		found = true
	}
	return maxSeq, found, nil
}

func fileContainsOnlyEntriesBefore(path string, beforeSequence uint64) (bool, error) {
	r, err := NewReader(path)
	if err != nil {
		return false, err
	}
	defer r.Close()

	for {
		entry, err := r.NextEntry()
		if err != nil {
			if ce, ok := err.(*CorruptedEntryError); ok {
				if ce.Sequence >= beforeSequence {
					return false, nil
				}
				continue
			}
			return false, err
		}
		if entry == nil {
			return true, nil
		}
		if entry.Sequence >= beforeSequence {
			return false, nil
		}
	}
}

// sortedWalFiles lists a directory's WAL files in ascending file-number order.
func sortedWalFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, de := range entries {
		if _, ok := parseWalFileNumber(de.Name()); ok {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
