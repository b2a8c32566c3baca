package ipc

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/fdh"
	"github.com/Themaister/pyrofling/pkg/wire"
)

func newSessionPair(t *testing.T) (*Session, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	h, err := fdh.New(fds[0], false)
	if err != nil {
		t.Fatal(err)
	}
	s := New(h, zerolog.Nop())
	t.Cleanup(func() { s.Close() })
	return s, fds[1]
}

func TestWaitTimeoutZero(t *testing.T) {
	s, peer := newSessionPair(t)
	defer unix.Close(peer)

	result := s.Wait(0)
	if result != WaitTimeout {
		t.Fatalf("expected WaitTimeout, got %v", result)
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	s, peer := newSessionPair(t)
	defer unix.Close(peer)

	var mu sync.Mutex
	var got wire.Message
	gotCh := make(chan struct{})

	s.Lock()
	serial := s.SendMessage(wire.TypeEchoPayload, nil, nil)
	if serial != 1 {
		s.Unlock()
		t.Fatalf("expected serial 1, got %d", serial)
	}
	s.SetSerialHandler(serial, func(m wire.Message) {
		mu.Lock()
		got = m
		mu.Unlock()
		close(gotCh)
	})
	s.Unlock()

	// Peer replies with serial 1.
	ok, err := wire.Send(peer, wire.TypeOK, 1, nil, nil)
	if err != nil || !ok {
		t.Fatalf("peer send failed: ok=%v err=%v", ok, err)
	}

	done := make(chan WaitResult, 1)
	go func() { done <- s.Wait(2000) }()

	select {
	case r := <-done:
		if r != WaitProgress {
			t.Fatalf("expected WaitProgress, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Wait() to return")
	}

	select {
	case <-gotCh:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if got.Type != wire.TypeOK || got.Serial != 1 {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestSerialGapClosesSession(t *testing.T) {
	s, peer := newSessionPair(t)
	defer unix.Close(peer)

	// Peer sends serial 2 without a prior serial 1 -- a gap.
	ok, err := wire.Send(peer, wire.TypeOK, 2, nil, nil)
	if err != nil || !ok {
		t.Fatalf("peer send failed: ok=%v err=%v", ok, err)
	}

	if r := s.Wait(2000); r != WaitError {
		t.Fatalf("expected WaitError on serial gap, got %v", r)
	}
}

func TestEventBypassesSerialCounter(t *testing.T) {
	s, peer := newSessionPair(t)
	defer unix.Close(peer)

	received := make(chan wire.Type, 1)
	s.SetEventHandler(func(m wire.Message) error {
		received <- m.Type
		return nil
	})

	fc := wire.FrameComplete{PresentedPyroID: 1}
	ok, err := wire.Send(peer, wire.TypeFrameComplete, 0, fc.Marshal(), nil)
	if err != nil || !ok {
		t.Fatalf("peer send failed: ok=%v err=%v", ok, err)
	}

	if r := s.Wait(2000); r != WaitProgress {
		t.Fatalf("expected WaitProgress, got %v", r)
	}
	select {
	case typ := <-received:
		if typ != wire.TypeFrameComplete {
			t.Fatalf("unexpected event type: %v", typ)
		}
	default:
		t.Fatal("event handler was not invoked")
	}
}
