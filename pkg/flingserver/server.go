package flingserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/config"
	"github.com/Themaister/pyrofling/pkg/dispatch"
	"github.com/Themaister/pyrofling/pkg/encoder"
	"github.com/Themaister/pyrofling/pkg/vblank"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// Server ties the event loop, device registry, present scheduler and
// fence-wait pool together into the running streaming server.
type Server struct {
	log    zerolog.Logger
	opts   config.ServerOptions
	loop   *dispatch.Loop
	devices *DeviceRegistry
	gpu    *EncodeGPU

	ticker    *vblank.Ticker
	vstate    *vblank.State
	scheduler *Scheduler
	fencePool *FenceWaitPool
	sink      encoder.Sink
	signals   *dispatch.SignalFD

	clientsMu sync.Mutex
	clients   map[int]*Client

	closeOnce sync.Once
}

// SetDebugObserver wires fn to receive every Scheduler.DebugEvent, the
// hook cmd/pyrofling-server's --debug-ws flag installs a
// DebugServer.Observe onto.
func (s *Server) SetDebugObserver(fn func(DebugEvent)) {
	s.scheduler.SetObserver(fn)
}

// New constructs a Server bound to opts. gpu and sink are injected so
// the scheduling/protocol logic stays testable without a real Vulkan
// driver or GStreamer pipeline; cmd/pyrofling-server wires real ones.
func New(opts config.ServerOptions, devices []PhysicalDevice, gpu *EncodeGPU, sink encoder.Sink, log zerolog.Logger) (*Server, error) {
	loop, err := dispatch.New(log)
	if err != nil {
		return nil, fmt.Errorf("flingserver: new dispatch loop: %w", err)
	}

	timebaseNS := int64(1_000_000_000) / int64(opts.FPS*opts.ClientRateMultiplier)
	vstate := vblank.New(timebaseNS)
	ticker, err := vblank.NewTicker(vstate)
	if err != nil {
		loop.Close()
		return nil, fmt.Errorf("flingserver: new vblank ticker: %w", err)
	}

	fencePool, err := NewFenceWaitPool(opts.Threads, gpu, log)
	if err != nil {
		ticker.Close()
		loop.Close()
		return nil, fmt.Errorf("flingserver: new fence wait pool: %w", err)
	}

	scheduler := NewScheduler(gpu, sink, vstate, opts.ClientRateMultiplier, log)

	s := &Server{
		log:       log,
		opts:      opts,
		loop:      loop,
		devices:   NewDeviceRegistry(devices),
		gpu:       gpu,
		ticker:    ticker,
		vstate:    vstate,
		scheduler: scheduler,
		fencePool: fencePool,
		sink:      sink,
		clients:   make(map[int]*Client),
	}
	return s, nil
}

// Listen binds the control socket and registers the vblank ticker and
// fence-wait completion queue with the dispatcher.
func (s *Server) Listen() error {
	if err := s.loop.ListenSeqpacket(s.opts.Socket, s.acceptClient); err != nil {
		return err
	}
	if err := s.loop.Add(&tickerHandler{s: s}, unix.EPOLLIN); err != nil {
		return err
	}
	if err := s.loop.Add(&fencePoolHandler{s: s}, unix.EPOLLIN); err != nil {
		return err
	}
	return nil
}

// ListenSignals registers a signalfd for the given signal numbers as a
// loop sentinel: once it is readable and Ready is handled, or the
// handler is otherwise removed, the dispatcher stops. This replaces a
// signal.NotifyContext goroutine racing the server thread, routing
// termination through the same epoll set as every other readiness
// source.
func (s *Server) ListenSignals(signals ...int) error {
	sig, err := dispatch.NewSignalFD(signals...)
	if err != nil {
		return err
	}
	s.signals = sig
	return s.loop.AddSentinel(&signalHandler{s: s, sig: sig}, unix.EPOLLIN)
}

func (s *Server) acceptClient(fd int) (dispatch.Handler, error) {
	c, err := s.newClient(fd)
	if err != nil {
		return nil, err
	}
	s.clientsMu.Lock()
	s.clients[fd] = c
	s.clientsMu.Unlock()
	return c, nil
}

func (s *Server) unregisterClient(fd int) {
	s.clientsMu.Lock()
	delete(s.clients, fd)
	s.clientsMu.Unlock()
}

// sweepKeepalives drops connections that have gone quiet past
// presentKeepalive.
func (s *Server) sweepKeepalives() {
	now := time.Now()
	s.clientsMu.Lock()
	expired := make([]int, 0)
	for fd, c := range s.clients {
		if c.KeepaliveExpired(now) {
			expired = append(expired, fd)
		}
	}
	s.clientsMu.Unlock()

	for _, fd := range expired {
		s.loop.Remove(fd)
	}
}

// broadcastGamepadEvent relays state to every connected client other
// than from, each as a TypeGamepadEvent.
func (s *Server) broadcastGamepadEvent(from *Client, state wire.GamepadState) {
	payload := state.Marshal()

	s.clientsMu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.clientsMu.Unlock()

	for _, c := range targets {
		c.sendEvent(wire.TypeGamepadEvent, payload, nil)
	}
}

// Run drives the dispatcher until it is closed.
func (s *Server) Run() error {
	return s.loop.Run(32)
}

// Close tears down the server's resources. Idempotent: safe to call
// from both a signal handler and a deferred caller.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.fencePool.Close()
		s.ticker.Close()
		if s.sink != nil {
			s.sink.Close()
		}
		err = s.loop.Close()
	})
	return err
}

// tickerHandler adapts the vblank.Ticker's timerfd readiness into a
// Scheduler.Tick call.
type tickerHandler struct{ s *Server }

func (h *tickerHandler) FD() int { return h.s.ticker.FD() }

func (h *tickerHandler) Ready(events uint32) error {
	if _, err := h.s.ticker.Tick(); err != nil {
		return err
	}
	h.s.scheduler.Tick()
	h.s.sweepKeepalives()
	return nil
}

func (h *tickerHandler) Close() error { return nil }

// fencePoolHandler adapts the FenceWaitPool's completion eventfd into
// Scheduler.MarkReady calls.
type fencePoolHandler struct{ s *Server }

func (h *fencePoolHandler) FD() int { return h.s.fencePool.FD() }

func (h *fencePoolHandler) Ready(events uint32) error {
	h.s.fencePool.DrainCompletions(h.s.scheduler.MarkReady)
	return nil
}

func (h *fencePoolHandler) Close() error { return nil }

// signalHandler adapts the termination signalfd into loop shutdown: any
// readiness here is treated as a request to stop, by returning an error
// so the dispatcher removes it, which as a sentinel stops the loop.
type signalHandler struct {
	s   *Server
	sig *dispatch.SignalFD
}

func (h *signalHandler) FD() int { return h.sig.FD() }

func (h *signalHandler) Ready(events uint32) error {
	signo, err := h.sig.Read()
	if err != nil {
		return err
	}
	h.s.log.Info().Int("signal", signo).Msg("flingserver: received termination signal")
	return fmt.Errorf("flingserver: terminating on signal %d", signo)
}

func (h *signalHandler) Close() error { return h.sig.Close() }
