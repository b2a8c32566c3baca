// Package dispatch implements the server's single-threaded event loop:
// an epoll set watching the local control socket's listening fd,
// accepted per-client connections, the virtual-vblank timerfd, and a
// signalfd/eventfd pair for external wakeups, dispatching readiness to
// per-connection Handlers.
//
// Follows a listen/accept/per-connection-handler shape, collapsed from
// one goroutine per connection into a single epoll loop so that
// epoll_wait is the only blocking point on the server thread.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Handler reacts to readiness on one registered fd. Ready is called with
// the epoll event mask; returning an error unregisters and closes the fd.
type Handler interface {
	FD() int
	Ready(events uint32) error
	Close() error
}

// HandlerFactory builds a Handler for a newly accepted connection fd.
type HandlerFactory func(fd int) (Handler, error)

// Loop is the server's epoll-driven dispatcher. It is not safe for
// concurrent use from multiple goroutines; run it on a single
// dedicated thread.
type Loop struct {
	log    zerolog.Logger
	epfd   int
	listen *listener

	mu        sync.Mutex
	handlers  map[int]Handler
	sentinels map[int]bool
	pending   []int // fds queued for deferred removal

	closed bool
}

// New creates an empty dispatcher.
func New(log zerolog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch: epoll_create1: %w", err)
	}
	return &Loop{log: log, epfd: epfd, handlers: make(map[int]Handler), sentinels: make(map[int]bool)}, nil
}

// ListenSeqpacket binds a SOCK_SEQPACKET listener at path (unlinking a
// stale socket file first) and registers it to hand accepted
// connections to factory.
func (l *Loop) ListenSeqpacket(path string, factory HandlerFactory) error {
	ln, err := newSeqpacketListener(path)
	if err != nil {
		return err
	}
	l.listen = ln
	return l.addFD(ln.fd, unix.EPOLLIN, &listenerHandler{loop: l, ln: ln, factory: factory})
}

// Add registers h for readiness notification.
func (l *Loop) Add(h Handler, events uint32) error {
	return l.addFD(h.FD(), events, h)
}

// AddSentinel registers h like Add, but marks it a sentinel: once h is
// removed, whether from a Ready error or an external Remove, the loop
// itself stops rather than continuing with one fewer handler. Used for
// the signalfd/eventfd that should terminate the dispatcher on hangup.
func (l *Loop) AddSentinel(h Handler, events uint32) error {
	if err := l.addFD(h.FD(), events, h); err != nil {
		return err
	}
	l.mu.Lock()
	l.sentinels[h.FD()] = true
	l.mu.Unlock()
	return nil
}

func (l *Loop) addFD(fd int, events uint32, h Handler) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("dispatch: epoll_ctl add fd=%d: %w", fd, err)
	}
	l.mu.Lock()
	l.handlers[fd] = h
	l.mu.Unlock()
	return nil
}

// Remove is deferred to the end of the current Run iteration, avoiding
// reentrant mutation of the handler map mid-dispatch.
func (l *Loop) Remove(fd int) {
	l.mu.Lock()
	l.pending = append(l.pending, fd)
	l.mu.Unlock()
}

func (l *Loop) flushPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fd := range pending {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		l.mu.Lock()
		h, ok := l.handlers[fd]
		delete(l.handlers, fd)
		sentinel := l.sentinels[fd]
		delete(l.sentinels, fd)
		if sentinel {
			l.closed = true
		}
		l.mu.Unlock()
		if ok {
			if err := h.Close(); err != nil {
				l.log.Warn().Err(err).Int("fd", fd).Msg("handler close error")
			}
		}
	}
}

// RunOnce blocks in epoll_wait (EINTR retried transparently) and
// dispatches at most maxEvents readiness notifications, then flushes
// deferred removals.
func (l *Loop) RunOnce(maxEvents int) error {
	events := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(l.epfd, events, -1)
	for err == unix.EINTR {
		n, err = unix.EpollWait(l.epfd, events, -1)
	}
	if err != nil {
		return fmt.Errorf("dispatch: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		l.mu.Lock()
		h, ok := l.handlers[fd]
		l.mu.Unlock()
		if !ok {
			continue
		}
		if err := h.Ready(events[i].Events); err != nil {
			l.log.Debug().Err(err).Int("fd", fd).Msg("handler returned error, scheduling removal")
			l.Remove(fd)
		}
	}
	l.flushPending()
	return nil
}

// Run calls RunOnce in a loop until the loop is closed.
func (l *Loop) Run(maxEvents int) error {
	for {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil
		}
		if err := l.RunOnce(maxEvents); err != nil {
			return err
		}
	}
}

// Close stops the loop, frees the polling fd, then closes every
// registered connection handler, then the listener.
func (l *Loop) Close() error {
	l.mu.Lock()
	l.closed = true
	handlers := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.handlers = make(map[int]Handler)
	l.sentinels = make(map[int]bool)
	l.mu.Unlock()

	epErr := unix.Close(l.epfd)

	for _, h := range handlers {
		if err := h.Close(); err != nil {
			l.log.Warn().Err(err).Int("fd", h.FD()).Msg("handler close error")
		}
	}

	if l.listen != nil {
		l.listen.close()
	}
	return epErr
}

// listenerHandler adapts a SOCK_SEQPACKET listener's readability into
// Accept + factory dispatch + registration of the new connection.
type listenerHandler struct {
	loop    *Loop
	ln      *listener
	factory HandlerFactory
}

func (h *listenerHandler) FD() int { return h.ln.fd }

func (h *listenerHandler) Ready(events uint32) error {
	fd, err := h.ln.accept()
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	conn, err := h.factory(fd)
	if err != nil {
		unix.Close(fd)
		h.loop.log.Warn().Err(err).Msg("handler factory rejected connection")
		return nil
	}
	return h.loop.addFD(fd, unix.EPOLLIN, conn)
}

func (h *listenerHandler) Close() error { return nil }
