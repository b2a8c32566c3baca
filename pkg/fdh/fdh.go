// Package fdh provides a move-only owner of an OS file descriptor.
//
// A Handle wraps exactly one live descriptor and guarantees it is closed
// exactly once, even across error paths that would otherwise leak it.
package fdh

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrInvalidHandle is returned when constructing a Handle from a negative
// or (in contexts where zero is disallowed) zero descriptor.
var ErrInvalidHandle = errors.New("fdh: invalid descriptor")

// Handle owns exactly one OS descriptor. The zero Handle owns nothing.
//
// Handle is not safe to copy: copying it and calling Close/Release on both
// copies will double-close or double-transfer the descriptor. Pass Handles
// by pointer, or move them by value and never touch the source again.
type Handle struct {
	fd int32
}

// New wraps fd, taking ownership of it. allowZero controls whether fd == 0
// is accepted (stdin is a legitimate descriptor in some contexts, but most
// PyroFling handles reject it because 0 means "absent" on the wire).
func New(fd int, allowZero bool) (Handle, error) {
	if fd < 0 || (fd == 0 && !allowZero) {
		return Handle{fd: -1}, ErrInvalidHandle
	}
	return Handle{fd: int32(fd)}, nil
}

// Invalid returns a Handle that owns nothing.
func Invalid() Handle { return Handle{fd: -1} }

// Valid reports whether the handle currently owns a descriptor.
func (h Handle) Valid() bool { return h.fd >= 0 }

// FD returns the underlying descriptor without transferring ownership.
// The caller must not close it.
func (h Handle) FD() int { return int(h.fd) }

// Release transfers ownership of the descriptor to the caller and returns
// it; the Handle no longer owns anything afterwards. Returns -1 if the
// Handle was already invalid.
func (h *Handle) Release() int {
	fd := int(atomic.SwapInt32(&h.fd, -1))
	return fd
}

// Dup duplicates the underlying descriptor (via dup(2)) into a new Handle
// that owns the copy. The original Handle is unaffected.
func (h Handle) Dup() (Handle, error) {
	if !h.Valid() {
		return Handle{fd: -1}, ErrInvalidHandle
	}
	newFd, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return Handle{fd: -1}, err
	}
	return Handle{fd: int32(newFd)}, nil
}

// Close closes the descriptor unless it has already been released or
// closed. Idempotent.
func (h *Handle) Close() error {
	fd := int(atomic.SwapInt32(&h.fd, -1))
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
