package wire

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Send assembles a header plus payload, attaches fds (at most MaxFDs) as
// SCM_RIGHTS ancillary data, and sends the datagram with MSG_NOSIGNAL on fd.
//
// Before sending, it polls writability for up to 1s; a
// congested peer fails the send rather than blocking indefinitely. Returns
// (true, nil) on success; (false, nil) if the peer is congested (EAGAIN
// after the poll deadline), which the caller logs and treats as a send
// failure, not a connection-closing error by itself.
func Send(fd int, typ Type, serial uint64, payload []byte, fds []int) (bool, error) {
	if len(payload) > MaxPayload {
		return false, ErrOversizePayload
	}
	if len(fds) > MaxFDs {
		return false, ErrTooManyFDs
	}

	ready, err := pollWritable(fd, time.Second)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}

	hdr := Header{
		Magic:      Magic,
		Serial:     serial,
		Type:       typ,
		PayloadLen: uint32(len(payload)),
	}
	hb := hdr.marshal()
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, hb[:]...)
	buf = append(buf, payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	if err := unix.Sendmsg(fd, buf, oob, nil, unix.MSG_NOSIGNAL); err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("wire: sendmsg: %w", err)
	}
	return true, nil
}

func pollWritable(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("wire: poll: %w", err)
		}
		return n > 0 && fds[0].Revents&unix.POLLOUT != 0, nil
	}
}

// Recv receives one datagram from fd (a SOCK_SEQPACKET socket) and parses
// it into a Message. Rejects on magic mismatch, declared payload length
// larger than the receive buffer, total read size != header+payload, or
// the kernel's MSG_TRUNC flag. Any rejection is a closure of
// the connection, not a retry.
func Recv(fd int) (Message, error) {
	buf := make([]byte, HeaderSize+MaxPayload)
	oob := make([]byte, unix.CmsgSpace(4*MaxFDs))

	n, oobn, flags, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return Message{}, fmt.Errorf("wire: recvmsg: %w", err)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return Message{}, ErrTruncated
	}
	if n < HeaderSize {
		return Message{}, ErrBadSize
	}

	hdr := unmarshalHeader(buf[:HeaderSize])
	if hdr.Magic != Magic {
		return Message{}, ErrMagicMismatch
	}
	if int(hdr.PayloadLen) > MaxPayload {
		return Message{}, ErrOversizePayload
	}
	if n != HeaderSize+int(hdr.PayloadLen) {
		return Message{}, ErrBadSize
	}

	want, haveSchema := PayloadSize(hdr.Type)
	if !haveSchema {
		return Message{}, ErrUnknownType
	}
	if want != int(hdr.PayloadLen) {
		return Message{}, ErrBadSize
	}

	var fds []int
	if oobn > 0 {
		fds, err = parseFDs(oob[:oobn])
		if err != nil {
			return Message{}, err
		}
	}

	min, max := requiresFD(hdr.Type)
	if len(fds) < min {
		closeAll(fds)
		return Message{}, ErrMissingFD
	}
	if len(fds) > max {
		// Extra FDs beyond what the schema allows are closed: surplus
		// rights are not handed to a recipient that never asked for them.
		for _, fd := range fds[max:] {
			unix.Close(fd)
		}
		fds = fds[:max]
	}

	payload := make([]byte, hdr.PayloadLen)
	copy(payload, buf[HeaderSize:HeaderSize+int(hdr.PayloadLen)])

	return Message{
		Serial:  hdr.Serial,
		Type:    hdr.Type,
		Payload: payload,
		FDs:     fds,
	}, nil
}

func parseFDs(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("wire: parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) > MaxFDs {
		closeAll(fds)
		return nil, ErrTooManyFDs
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
