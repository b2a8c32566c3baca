package dispatch

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EventFD wraps a Linux eventfd used as a cross-thread wakeup sentinel,
// letting worker goroutines (the encode thread-pool, fence-waiters)
// interrupt the dispatcher's epoll_wait without a dedicated pipe.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking, semaphore-mode eventfd.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("dispatch: eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

func (e *EventFD) FD() int { return e.fd }

// Signal wakes one waiter.
func (e *EventFD) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Drain consumes one pending signal (semaphore mode decrements by
// exactly one per successful read).
func (e *EventFD) Drain() error {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (e *EventFD) Close() error { return unix.Close(e.fd) }

// SignalFD wraps a Linux signalfd so process-termination signals arrive
// through the same epoll set as every other readiness source, instead of
// via a separate signal.Notify channel.
type SignalFD struct {
	fd int
}

// NewSignalFD creates a signalfd for the given signal numbers, blocking
// their default disposition first.
func NewSignalFD(signals ...int) (*SignalFD, error) {
	var set unix.Sigset_t
	for _, s := range signals {
		addSignal(&set, s)
	}
	if err := unix.SigprocMask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("dispatch: sigprocmask: %w", err)
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("dispatch: signalfd: %w", err)
	}
	return &SignalFD{fd: fd}, nil
}

func (s *SignalFD) FD() int { return s.fd }

// Read consumes one pending signalfd_siginfo record, returning the
// delivered signal number.
func (s *SignalFD) Read() (int, error) {
	var info unix.SignalfdSiginfo
	size := int(unsafe.Sizeof(info))
	buf := make([]byte, size)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, err
	}
	if n < size {
		return 0, fmt.Errorf("dispatch: short signalfd read: %d bytes", n)
	}
	info = *(*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
	return int(info.Signo), nil
}

func (s *SignalFD) Close() error { return unix.Close(s.fd) }

func addSignal(set *unix.Sigset_t, sig int) {
	// unix.Sigset_t on linux/amd64 is a [16]uint64 word array; bit i of
	// word i/64 corresponds to signal i+1.
	idx := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[idx] |= 1 << bit
}
