package fdh

import (
	"testing"

	"golang.org/x/sys/unix"
)

func pipeFDs(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return fds[0], fds[1]
}

func TestNewRejectsNegativeAndZero(t *testing.T) {
	if _, err := New(-1, false); err != ErrInvalidHandle {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
	if _, err := New(0, false); err != ErrInvalidHandle {
		t.Fatalf("expected ErrInvalidHandle for fd=0, got %v", err)
	}
	if _, err := New(0, true); err != nil {
		t.Fatalf("fd=0 should be accepted when allowZero, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r, w := pipeFDs(t)
	unix.Close(w)
	h, err := New(r, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if h.Valid() {
		t.Fatal("handle should be invalid after close")
	}
}

func TestReleaseTransfersOwnership(t *testing.T) {
	r, w := pipeFDs(t)
	unix.Close(w)
	h, err := New(r, false)
	if err != nil {
		t.Fatal(err)
	}
	got := h.Release()
	if got != r {
		t.Fatalf("release returned %d, want %d", got, r)
	}
	if h.Valid() {
		t.Fatal("handle should be invalid after release")
	}
	// Caller now owns it.
	unix.Close(got)
}

func TestDup(t *testing.T) {
	r, w := pipeFDs(t)
	defer unix.Close(w)
	h, err := New(r, false)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	d, err := h.Dup()
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	defer d.Close()

	if d.FD() == h.FD() {
		t.Fatal("dup should return a distinct descriptor")
	}
}
