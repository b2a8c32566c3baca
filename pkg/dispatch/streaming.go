package dispatch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ListenStreamingControl binds the TCP control listener the streaming
// server accepts client HELLO/COOKIE/KICK handshakes on, kept separate
// from the UDP data channel that shares the same port number.
func (l *Loop) ListenStreamingControl(port int, factory HandlerFactory) error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("dispatch: tcp socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("dispatch: tcp bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return fmt.Errorf("dispatch: tcp listen :%d: %w", port, err)
	}
	ln := &listener{fd: fd}
	return l.addFD(fd, unix.EPOLLIN, &listenerHandler{loop: l, ln: ln, factory: factory})
}

// DataSocket is a bound, connectionless UDP socket carrying fragmented
// media packets (pkg/pyropkt), registered directly as a Handler by its
// caller since inbound datagrams don't imply a new connection.
type DataSocket struct {
	fd int
}

// NewDataSocket binds the UDP data socket sharing port with the control
// listener.
func NewDataSocket(port int) (*DataSocket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dispatch: udp socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dispatch: udp bind :%d: %w", port, err)
	}
	return &DataSocket{fd: fd}, nil
}

func (d *DataSocket) FD() int { return d.fd }

// RecvFrom reads one datagram and its source address.
func (d *DataSocket) RecvFrom(buf []byte) (int, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(d.fd, buf, 0)
	return n, from, err
}

// SendTo writes one datagram to the given peer address.
func (d *DataSocket) SendTo(buf []byte, to unix.Sockaddr) error {
	return unix.Sendto(d.fd, buf, 0, to)
}

func (d *DataSocket) Close() error { return unix.Close(d.fd) }
