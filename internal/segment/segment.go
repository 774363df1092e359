// Package segment manages the shared-memory region that every veddbd
// process and client maps (each at its own virtual address, so memory is
// addressed by offset): a small discovery header at offset 0, followed by
// arena-addressable memory arbitrated by internal/arena. It owns the
// memfd lifecycle and
// the validation that lets a newly-attaching process trust an existing
// segment before touching it.
//
// © 2025 arena-cache authors. MIT License.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// Magic identifies a veddb segment header; any other value means the
	// backing file is foreign or uninitialized.
	Magic uint64 = 0x56656444420d0a00 // "VedDB\r\n\0"

	// Version is bumped whenever HeaderSize or the discovery header layout
	// changes incompatibly.
	Version uint32 = 1

	// HeaderSize is the fixed size, in bytes, of the discovery header that
	// precedes arena-addressable memory in every segment.
	HeaderSize uint32 = 32
)

var (
	// ErrBadMagic is returned by Open when the backing memory does not
	// start with the expected Magic value.
	ErrBadMagic = errors.New("segment: bad magic, not a veddb segment")
	// ErrVersionMismatch is returned by Open when the segment was created
	// by an incompatible version of this package.
	ErrVersionMismatch = errors.New("segment: incompatible header version")
	// ErrTooSmall is returned when a segment is smaller than HeaderSize.
	ErrTooSmall = errors.New("segment: backing memory smaller than header")
)

// Header is the first HeaderSize bytes of every segment, letting an
// attaching process validate a region before trusting anything past it.
type Header struct {
	Magic       uint64
	Version     uint32
	HeaderSize  uint32
	SegmentSize uint64
	CreatedAt   uint64
}

func (h Header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.HeaderSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.SegmentSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.CreatedAt)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:       binary.LittleEndian.Uint64(buf[0:8]),
		Version:     binary.LittleEndian.Uint32(buf[8:12]),
		HeaderSize:  binary.LittleEndian.Uint32(buf[12:16]),
		SegmentSize: binary.LittleEndian.Uint64(buf[16:24]),
		CreatedAt:   binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// Segment is a memory-mapped region shared across processes via a Linux
// memfd. Offsets into Data are stable across processes; raw pointers are
// not, which is why every consumer of a Segment (arena, ring, kv) addresses
// memory by offset rather than by pointer.
type Segment struct {
	fd     int
	data   []byte
	Header Header
}

// Create allocates a new anonymous memfd (close-on-exec, not sealed) of totalSize bytes
// (header + arena region) and writes the discovery header into it. The
// returned Segment's Data() includes the header; callers that want
// arena-only bytes should slice from HeaderSize.
func Create(name string, totalSize uint64) (*Segment, error) {
	if totalSize < uint64(HeaderSize) {
		return nil, ErrTooSmall
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("segment: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(totalSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("segment: ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("segment: mmap: %w", err)
	}

	hdr := Header{
		Magic:       Magic,
		Version:     Version,
		HeaderSize:  HeaderSize,
		SegmentSize: totalSize,
		CreatedAt:   uint64(time.Now().Unix()),
	}
	hdr.encode(data[:HeaderSize])

	return &Segment{fd: fd, data: data, Header: hdr}, nil
}

// Open attaches to an existing segment given its file descriptor (obtained
// out-of-band, e.g. via SCM_RIGHTS), validating the discovery header
// before returning.
func Open(fd int) (*Segment, error) {
	st, err := os.NewFile(uintptr(fd), "veddb-segment").Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat: %w", err)
	}
	size := uint64(st.Size())
	if size < uint64(HeaderSize) {
		return nil, ErrTooSmall
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap: %w", err)
	}

	hdr := decodeHeader(data[:HeaderSize])
	if hdr.Magic != Magic {
		unix.Munmap(data)
		return nil, ErrBadMagic
	}
	if hdr.Version != Version {
		unix.Munmap(data)
		return nil, ErrVersionMismatch
	}
	if hdr.SegmentSize != size {
		unix.Munmap(data)
		return nil, fmt.Errorf("segment: header claims size %d, fd reports %d", hdr.SegmentSize, size)
	}

	return &Segment{fd: fd, data: data, Header: hdr}, nil
}

// Fd returns the underlying file descriptor, suitable for passing to a
// child process or across a unix socket via SCM_RIGHTS.
func (s *Segment) Fd() int { return s.fd }

// Data returns the full mapped region, header included.
func (s *Segment) Data() []byte { return s.data }

// ArenaBytes returns the slice of Data past the discovery header, i.e. the
// region that internal/arena.New should be constructed over.
func (s *Segment) ArenaBytes() []byte { return s.data[s.Header.HeaderSize:] }

// Close unmaps the segment and closes its file descriptor. It does not
// unlink or destroy the backing memfd for other attached processes; a
// memfd with no remaining references is reclaimed by the kernel once every
// holder has closed it.
func (s *Segment) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("segment: munmap: %w", err)
	}
	return unix.Close(s.fd)
}
