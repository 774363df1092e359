package segment

import (
	"golang.org/x/sys/unix"
	"testing"
)

func TestCreateThenOpen(t *testing.T) {
	seg, err := Create("veddb-test", 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()

	if seg.Header.Magic != Magic {
		t.Fatalf("unexpected magic %x", seg.Header.Magic)
	}
	if len(seg.ArenaBytes()) != 4096-int(HeaderSize) {
		t.Fatalf("unexpected arena region length %d", len(seg.ArenaBytes()))
	}

	dupFd, err := unix.Dup(seg.Fd())
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	attached, err := Open(dupFd)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer attached.Close()

	if attached.Header.SegmentSize != 4096 {
		t.Fatalf("expected segment size 4096, got %d", attached.Header.SegmentSize)
	}
}

func TestCreateRejectsTooSmall(t *testing.T) {
	if _, err := Create("veddb-test-small", 4); err != ErrTooSmall {
		t.Fatalf("expected ErrTooSmall, got %v", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	seg, err := Create("veddb-test-corrupt", 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()

	copy(seg.Data()[0:8], []byte{0, 0, 0, 0, 0, 0, 0, 0})

	dupFd, err := unix.Dup(seg.Fd())
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	if _, err := Open(dupFd); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}
