package dispatch

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// listener wraps a non-blocking SOCK_SEQPACKET listening socket bound to
// a filesystem path.
type listener struct {
	fd   int
	path string
}

// newSeqpacketListener unlinks a stale socket file at path (if it is one)
// and binds a fresh SOCK_SEQPACKET listener there.
func newSeqpacketListener(path string) (*listener, error) {
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket != 0 {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("dispatch: removing stale socket %s: %w", path, err)
			}
		} else {
			return nil, fmt.Errorf("dispatch: %s exists and is not a socket", path)
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dispatch: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dispatch: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dispatch: listen %s: %w", path, err)
	}

	return &listener{fd: fd, path: path}, nil
}

func (l *listener) accept() (int, error) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return 0, err
	}
	return nfd, nil
}

func (l *listener) close() error {
	err := unix.Close(l.fd)
	os.Remove(l.path)
	return err
}
