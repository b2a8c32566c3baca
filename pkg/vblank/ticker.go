package vblank

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Ticker drives State off a Linux timerfd armed at the controller's
// current TargetIntervalNS, re-arming itself on every nudge. Each read
// reports how many expirations the kernel coalesced; any coalesced
// expiration beyond the first counts as a stalled heartbeat.
type Ticker struct {
	state   *State
	fd      int
	Stalled uint64
}

// NewTicker creates and arms a timerfd-backed ticker for state.
func NewTicker(state *State) (*Ticker, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return nil, fmt.Errorf("vblank: timerfd_create: %w", err)
	}
	t := &Ticker{state: state, fd: fd}
	if err := t.rearm(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// FD returns the underlying timerfd for registration with an external
// readiness multiplexer (e.g. pkg/dispatch's epoll loop).
func (t *Ticker) FD() int { return t.fd }

func (t *Ticker) rearm() error {
	interval := t.state.TargetIntervalNS
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval),
		Value:    unix.NsecToTimespec(interval),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Tick reads one expiration count from the timerfd (blocking until at
// least one expiration occurs, since the fd is level-triggered and
// blocking by default), applies any pending phase nudge, rearms if the
// interval changed, and returns the number of expirations the kernel
// coalesced into this read.
func (t *Ticker) Tick() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("vblank: read timerfd: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("vblank: short timerfd read: %d bytes", n)
	}
	expirations := hostEndianUint64(buf[:])
	if expirations > 1 {
		t.Stalled += expirations - 1
	}

	before := t.state.TargetIntervalNS
	t.state.Nudge()
	if t.state.TargetIntervalNS != before {
		if err := t.rearm(); err != nil {
			return expirations, err
		}
	}
	return expirations, nil
}

// Close releases the underlying timerfd.
func (t *Ticker) Close() error {
	return unix.Close(t.fd)
}

func hostEndianUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
