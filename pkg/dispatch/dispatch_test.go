package dispatch

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type countingHandler struct {
	fd    int
	fired chan struct{}
}

func (h *countingHandler) FD() int { return h.fd }
func (h *countingHandler) Ready(events uint32) error {
	var buf [8]byte
	unix.Read(h.fd, buf[:])
	close(h.fired)
	return nil
}
func (h *countingHandler) Close() error { return nil }

func TestLoopDispatchesEventFD(t *testing.T) {
	loop, err := New(zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	ev, err := NewEventFD()
	if err != nil {
		t.Fatal(err)
	}
	defer ev.Close()

	fired := make(chan struct{})
	if err := loop.Add(&countingHandler{fd: ev.FD(), fired: fired}, unix.EPOLLIN); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		ev.Signal()
	}()

	done := make(chan error, 1)
	go func() { done <- loop.RunOnce(8) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

type closeTrackingHandler struct {
	fd     int
	closed chan struct{}
}

func (h *closeTrackingHandler) FD() int                   { return h.fd }
func (h *closeTrackingHandler) Ready(events uint32) error { return nil }
func (h *closeTrackingHandler) Close() error {
	close(h.closed)
	return nil
}

func TestLoopCloseClosesRegisteredHandlers(t *testing.T) {
	loop, err := New(zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	ev, err := NewEventFD()
	if err != nil {
		t.Fatal(err)
	}
	defer ev.Close()

	closed := make(chan struct{})
	if err := loop.Add(&closeTrackingHandler{fd: ev.FD(), closed: closed}, unix.EPOLLIN); err != nil {
		t.Fatal(err)
	}

	if err := loop.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-closed:
	default:
		t.Fatal("expected Close to close registered handlers")
	}
}

func TestLoopStopsWhenSentinelRemoved(t *testing.T) {
	loop, err := New(zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	ev, err := NewEventFD()
	if err != nil {
		t.Fatal(err)
	}
	defer ev.Close()

	if err := loop.AddSentinel(&closeTrackingHandler{fd: ev.FD(), closed: make(chan struct{})}, unix.EPOLLIN); err != nil {
		t.Fatal(err)
	}
	loop.Remove(ev.FD())
	loop.flushPending()

	loop.mu.Lock()
	closed := loop.closed
	loop.mu.Unlock()
	if !closed {
		t.Fatal("expected loop to close once its sentinel handler was removed")
	}
}

func TestSeqpacketListenerUnlinksStaleSocket(t *testing.T) {
	path := t.TempDir() + "/test.sock"

	ln, err := newSeqpacketListener(path)
	if err != nil {
		t.Fatal(err)
	}
	// Close only the descriptor so the socket file stays on disk, as
	// after a crash; the second listener has to unlink it to bind.
	unix.Close(ln.fd)

	ln2, err := newSeqpacketListener(path)
	if err != nil {
		t.Fatalf("expected stale socket to be unlinked and rebound: %v", err)
	}
	ln2.close()
}
