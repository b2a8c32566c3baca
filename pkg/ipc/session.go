// Package ipc implements the sequenced IPC client/session:
// a session wraps one file descriptor and lets multiple goroutines send
// requests, await replies by serial, and receive out-of-band events.
//
// The concurrency pattern is a cooperative "socket master" elected
// among waiters instead of a dedicated reader goroutine: whichever
// caller is waiting becomes responsible for reading the next message
// off the fd and routing it, then hands the role to the next waiter.
// Timed waits use a broadcast-channel idiom, replacing a closed
// "generation" channel on every wakeup, instead of sync.Cond, since
// sync.Cond cannot be selected on alongside a timer.
package ipc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/fdh"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// ReplyHandler is a one-shot continuation invoked with the reply message
// for the serial it was registered against.
type ReplyHandler func(wire.Message)

// EventHandler is invoked for every message with serial 0 and the event
// bit set.
type EventHandler func(wire.Message) error

// WaitResult is the outcome of one call to Session.Wait.
type WaitResult int

const (
	WaitError    WaitResult = -1
	WaitTimeout  WaitResult = 0
	WaitProgress WaitResult = 1
)

// Session owns one Handle and the per-serial reply bookkeeping that
// lets concurrent callers share a single connection safely.
type Session struct {
	log zerolog.Logger

	mu sync.Mutex
	h  fdh.Handle

	nextSendSerial  uint64
	receivedReplies uint64
	handlers        map[uint64]ReplyHandler
	defaultHandler  ReplyHandler
	eventHandler    EventHandler

	master          bool
	processCount    uint64
	generation      chan struct{} // closed and replaced on every processed message
	socketMasterErr error
	closed          bool
}

// New wraps fd (which the Session now owns) in a Session.
func New(h fdh.Handle, log zerolog.Logger) *Session {
	return &Session{
		log:        log,
		h:          h,
		handlers:   make(map[uint64]ReplyHandler),
		generation: make(chan struct{}),
	}
}

// Close closes the underlying handle and wakes every waiter with an error.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.socketMasterErr = fmt.Errorf("ipc: session closed")
	s.wakeAllLocked()
	h := s.h
	s.mu.Unlock()
	return h.Close()
}

// wakeAllLocked closes the current generation channel (broadcasting to
// every Wait blocked in a select) and installs a fresh one. Must be called
// with s.mu held.
func (s *Session) wakeAllLocked() {
	close(s.generation)
	s.generation = make(chan struct{})
}

// SetDefaultSerialHandler installs the fallback reply handler used when no
// serial-specific handler is registered.
func (s *Session) SetDefaultSerialHandler(fn ReplyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultHandler = fn
}

// SetEventHandler installs the handler for serial-0 event messages.
func (s *Session) SetEventHandler(fn EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandler = fn
}

// SetSerialHandler installs a one-shot continuation for serial. The caller
// is expected to hold the session lock (via Lock/Unlock) across the Send
// call that produced serial, so the reply cannot be observed before the
// handler exists.
func (s *Session) SetSerialHandler(serial uint64, fn ReplyHandler) {
	s.handlers[serial] = fn
}

// Lock/Unlock expose the session mutex so callers can hold it across a
// Send + SetSerialHandler pair, closing the window where a reply could
// arrive before the handler is registered.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SendMessage sends a request/reply message and returns the serial that
// was assigned, or 0 on failure. The caller should normally hold the
// session lock and call SetSerialHandler before unlocking.
func (s *Session) SendMessage(typ wire.Type, payload []byte, fds []int) uint64 {
	serial := s.nextSendSerial + 1
	ok, err := wire.Send(s.h.FD(), typ, serial, payload, fds)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn().Err(err).Msg("ipc: send failed")
		}
		return 0
	}
	s.nextSendSerial = serial
	return serial
}

// Wait makes one unit of progress: if nobody currently holds the "socket
// master" role, this goroutine elects itself, drops the lock, polls the
// fd for up to timeoutMs, reads one message, dispatches it under the
// lock, then wakes every other waiter.
// Non-masters block until progress happens or timeoutMs elapses.
//
// A negative timeoutMs waits indefinitely.
func (s *Session) Wait(timeoutMs int) WaitResult {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return WaitError
	}

	if s.master {
		gen := s.generation
		startCount := s.processCount
		s.mu.Unlock()

		if !waitGeneration(gen, timeoutMs) {
			return WaitTimeout
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.socketMasterErr != nil {
			return WaitError
		}
		if s.processCount != startCount {
			return WaitProgress
		}
		return WaitTimeout
	}

	s.master = true
	fd := s.h.FD()
	s.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, timeoutMs)
	for err == unix.EINTR {
		n, err = unix.Poll(pfd, timeoutMs)
	}
	if err == nil && n == 0 {
		s.mu.Lock()
		s.master = false
		s.mu.Unlock()
		return WaitTimeout
	}
	var msg wire.Message
	if err == nil {
		msg, err = wire.Recv(fd)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = false

	if err != nil {
		s.socketMasterErr = err
		s.closed = true
		s.wakeAllLocked()
		return WaitError
	}

	s.dispatch(msg)
	if s.socketMasterErr != nil {
		s.wakeAllLocked()
		return WaitError
	}
	s.processCount++
	s.wakeAllLocked()
	return WaitProgress
}

// waitGeneration blocks until gen is closed or timeoutMs elapses. A
// negative timeoutMs waits indefinitely.
func waitGeneration(gen chan struct{}, timeoutMs int) bool {
	if timeoutMs < 0 {
		<-gen
		return true
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-gen:
		return true
	case <-timer.C:
		return false
	}
}

// dispatch routes a received message to its handler. Must be called with
// s.mu held.
func (s *Session) dispatch(msg wire.Message) {
	if msg.Serial == 0 {
		if !msg.Type.IsEvent() {
			s.log.Warn().Msg("ipc: serial-0 message without event bit; protocol error")
			msg.CloseUnclaimed()
			return
		}
		if s.eventHandler != nil {
			if err := s.eventHandler(msg); err != nil {
				s.log.Warn().Err(err).Msg("ipc: event handler failed")
			}
		}
		msg.CloseUnclaimed()
		return
	}

	if !msg.Type.IsEvent() {
		if msg.Serial != s.receivedReplies+1 {
			s.socketMasterErr = fmt.Errorf("ipc: serial gap: expected %d got %d", s.receivedReplies+1, msg.Serial)
			s.closed = true
			msg.CloseUnclaimed()
			return
		}
		s.receivedReplies = msg.Serial
	}

	if h, ok := s.handlers[msg.Serial]; ok {
		delete(s.handlers, msg.Serial)
		h(msg)
	} else if s.defaultHandler != nil {
		s.defaultHandler(msg)
	}
	msg.CloseUnclaimed()
}

// WaitReplyForSerial blocks (via repeated Wait) until serial has been
// replied to, an error occurs, or the session closes.
func (s *Session) WaitReplyForSerial(serial uint64) WaitResult {
	for {
		s.mu.Lock()
		done := serial <= s.receivedReplies
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return WaitError
		}
		if done {
			return WaitProgress
		}
		if r := s.Wait(-1); r != WaitProgress {
			return r
		}
	}
}

// Roundtrip drains Wait until every sent serial up to nextSendSerial has
// been replied to.
func (s *Session) Roundtrip() WaitResult {
	s.mu.Lock()
	target := s.nextSendSerial
	s.mu.Unlock()
	return s.WaitReplyForSerial(target)
}
