package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/fdh"
	"github.com/Themaister/pyrofling/pkg/ipc"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// WaitPair is one outstanding (pyroPresentID, khrPresentID) entry
// tracked so present-wait redirection can resolve native KHR
// present-wait calls once the server's FrameComplete events arrive.
type WaitPair struct {
	PyroID uint64
	KHRID  uint64
}

// Session is the client-side half of the control connection: a
// sequenced-packet socket to the server plus the bookkeeping
// handleEvent updates.
type Session struct {
	log  zerolog.Logger
	env  Env
	pool *Pool
	gpu  GPU

	mu      sync.Mutex
	session *ipc.Session
	name    string

	completedPyroID atomic.Uint64
	waitPairs       []WaitPair
	reconnectTries  int

	auxEventHandler wire.EventHandler
}

// SetAuxiliaryEventHandler installs fn to receive any event type
// handleEvent does not itself recognize (e.g. wire.TypeGamepadEvent),
// letting an optional component like pkg/gamepad.Forwarder ride the same
// control connection without Session needing to import it.
func (s *Session) SetAuxiliaryEventHandler(fn wire.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auxEventHandler = fn
}

// NewSession creates a disconnected Session; call Connect to dial. gpu
// is used to import the acquire semaphore payload AcquireImage events
// carry.
func NewSession(env Env, pool *Pool, gpu GPU, appName string, log zerolog.Logger) *Session {
	return &Session{env: env, pool: pool, gpu: gpu, name: appName, log: log}
}

// Connected reports whether the control socket is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Connect dials the server's SOCK_SEQPACKET socket, sends ClientHello,
// and installs the event handler.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("capture: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: s.env.SocketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("capture: connect %s: %w", s.env.SocketPath, err)
	}

	h, err := fdh.New(fd, false)
	if err != nil {
		unix.Close(fd)
		return err
	}

	sess := ipc.New(h, s.log)
	sess.SetEventHandler(s.handleEvent)
	sess.SetDefaultSerialHandler(func(wire.Message) {})

	hello := wire.ClientHello{Intent: wire.IntentVulkanExternalStream, Name: s.name}
	sess.SendMessage(wire.TypeClientHello, hello.Marshal(), nil)

	s.session = sess
	s.reconnectTries = 0
	return nil
}

// Drop closes the session so the present path retries reconnection.
func (s *Session) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
}

// Poll drains any pending events non-blocking.
func (s *Session) Poll() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Wait(0)
}

// ShouldRetryConnect reports whether enough presents have elapsed since
// the last failure to retry dialing.
func (s *Session) ShouldRetryConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectTries++
	return s.reconnectTries%30 == 1
}

// CompletedPyroID returns the highest present id the server has
// confirmed complete.
func (s *Session) CompletedPyroID() uint64 {
	return s.completedPyroID.Load()
}

// RecordWaitPair appends a (pyroID, khrID) entry atomically.
func (s *Session) RecordWaitPair(pyroID, khrID uint64) {
	s.mu.Lock()
	s.waitPairs = append(s.waitPairs, WaitPair{PyroID: pyroID, KHRID: khrID})
	s.mu.Unlock()
}

// SendPresentImage transmits a PresentImage message with the release
// semaphore FD attached.
func (s *Session) SendPresentImage(p wire.PresentImage, releaseSemFD int) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("capture: session not connected")
	}
	sess.SendMessage(wire.TypePresentImage, p.Marshal(), []int{releaseSemFD})
	return nil
}

// sendDevice transmits a Device message announcing the bound physical
// device.
func (s *Session) sendDevice(d wire.Device) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.SendMessage(wire.TypeDevice, d.Marshal(), nil)
}

// sendImageGroup transmits an ImageGroup message with every image's
// memory FD attached.
func (s *Session) sendImageGroup(g wire.ImageGroup, memFDs []int) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.SendMessage(wire.TypeImageGroup, g.Marshal(), memFDs)
}

// handleEvent dispatches AcquireImage/RetireImage/FrameComplete events.
// Any other message type goes to the auxiliary event handler if one is
// installed, and fails the session otherwise.
func (s *Session) handleEvent(msg wire.Message) error {
	switch msg.Type {
	case wire.TypeAcquireImage:
		ev := wire.ParseAcquireImage(msg.Payload)
		fd := msg.TakeFD(0)
		return s.pool.ImportAcquirePayload(s.gpu, int(ev.ImageIndex), ev.SemType, fd)

	case wire.TypeRetireImage:
		ev := wire.ParseRetireImage(msg.Payload)
		s.pool.MarkRetired(int(ev.ImageIndex))
		return nil

	case wire.TypeFrameComplete:
		ev := wire.ParseFrameComplete(msg.Payload)
		s.completedPyroID.Store(ev.PresentedPyroID)

		s.mu.Lock()
		kept := s.waitPairs[:0]
		for _, wp := range s.waitPairs {
			if wp.PyroID > ev.PresentedPyroID {
				kept = append(kept, wp)
			}
		}
		s.waitPairs = kept
		s.mu.Unlock()
		s.pool.Broadcast()
		return nil

	default:
		s.mu.Lock()
		aux := s.auxEventHandler
		s.mu.Unlock()
		if aux != nil {
			return aux(msg)
		}
		return fmt.Errorf("capture: unexpected event type %#x", uint32(msg.Type))
	}
}
