// Package wire implements the PyroFling framed control-message protocol
// used over the local SOCK_SEQPACKET socket: a fixed 32-byte header, an
// inline payload of at most ~1000 bytes whose schema is fixed by the
// message Type, and zero or more attached file descriptors carried as
// SCM_RIGHTS ancillary data.
//
// Follows an SCM_RIGHTS send/receive path generalized from a single
// fixed request/response pair into a general framed, typed protocol
// (magic, serial, type, payload).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Magic is the fixed 64-bit constant that opens every header.
const Magic uint64 = 0x7538244abd122f9f

// HeaderSize is the fixed size of the wire header in bytes.
const HeaderSize = 32

// MaxPayload bounds the inline payload.
const MaxPayload = 1000

// MaxFDs bounds the number of file descriptors attached to one datagram.
const MaxFDs = 16

// EventBit marks a message as an asynchronous event rather than a
// request/reply.
const EventBit uint32 = 0x80000000

// Type enumerates recognized message types.
type Type uint32

const (
	TypeOK             Type = 1
	TypeErrorProtocol  Type = 2
	TypeError          Type = 3
	TypeErrorParameter Type = 4

	TypeEchoPayload   Type = 100
	TypeDevice        Type = 101
	TypeImageGroup    Type = 102
	TypePresentImage  Type = 103
	TypeAcquireImage  Type = 104 | Type(EventBit)
	TypeFrameComplete Type = 105 | Type(EventBit)
	TypeRetireImage   Type = 106 | Type(EventBit)

	TypeClientHello Type = 200
	TypeServerHello Type = 201

	// TypeGamepadState is a request carrying one gamepad-state sample
	// from a pyrofling-gamepad-style forwarding client; the server
	// replies OK and rebroadcasts it to other connected clients as
	// TypeGamepadEvent.
	TypeGamepadState Type = 107
	TypeGamepadEvent Type = 108 | Type(EventBit)
)

// IsEvent reports whether t carries the event bit.
func (t Type) IsEvent() bool { return uint32(t)&EventBit != 0 }

func (t Type) String() string {
	switch t &^ Type(EventBit) {
	case TypeOK:
		return "OK"
	case TypeErrorProtocol:
		return "ErrorProtocol"
	case TypeError:
		return "Error"
	case TypeErrorParameter:
		return "ErrorParameter"
	case TypeEchoPayload:
		return "EchoPayload"
	case TypeDevice:
		return "Device"
	case TypeImageGroup:
		return "ImageGroup"
	case TypePresentImage:
		return "PresentImage"
	case TypeAcquireImage:
		return "AcquireImage"
	case TypeFrameComplete:
		return "FrameComplete"
	case TypeRetireImage:
		return "RetireImage"
	case TypeClientHello:
		return "ClientHello"
	case TypeServerHello:
		return "ServerHello"
	case TypeGamepadState:
		return "GamepadState"
	case TypeGamepadEvent &^ Type(EventBit):
		return "GamepadEvent"
	default:
		return fmt.Sprintf("Type(%#x)", uint32(t))
	}
}

// PayloadSize returns the fixed wire size of the inline payload for t, or
// (0, false) if t is not a recognized payload schema.
func PayloadSize(t Type) (int, bool) {
	switch t &^ Type(EventBit) {
	case TypeClientHello:
		return 256, true
	case TypeServerHello:
		return 64, true
	case TypeDevice:
		return 44, true
	case TypeImageGroup:
		return 104, true
	case TypePresentImage:
		return 32, true
	case TypeAcquireImage:
		return 16, true
	case TypeRetireImage:
		return 16, true
	case TypeFrameComplete:
		return 48, true
	case TypeGamepadState, TypeGamepadEvent &^ Type(EventBit):
		return 16, true
	case TypeEchoPayload:
		return 0, true
	case TypeOK, TypeErrorProtocol, TypeError, TypeErrorParameter:
		return 0, true
	default:
		return 0, false
	}
}

// Errors returned by Parse. All are fatal to the connection that observed
// them.
var (
	ErrMagicMismatch  = errors.New("wire: magic mismatch")
	ErrTruncated      = errors.New("wire: message truncated")
	ErrOversizePayload = errors.New("wire: payload exceeds buffer")
	ErrBadSize        = errors.New("wire: total size does not match header")
	ErrUnknownType    = errors.New("wire: unrecognized message type")
	ErrMissingFD      = errors.New("wire: message type requires a file descriptor")
	ErrTooManyFDs     = errors.New("wire: too many file descriptors")
)

// Header is the fixed 32-byte wire header.
//
//	u64 magic
//	u64 serial
//	u32 type
//	u32 payload_len
//	u64 reserved
type Header struct {
	Magic      uint64
	Serial     uint64
	Type       Type
	PayloadLen uint32
	Reserved   uint64
}

func (h Header) marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint64(b[8:16], h.Serial)
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[20:24], h.PayloadLen)
	binary.LittleEndian.PutUint64(b[24:32], h.Reserved)
	return b
}

func unmarshalHeader(b []byte) Header {
	return Header{
		Magic:      binary.LittleEndian.Uint64(b[0:8]),
		Serial:     binary.LittleEndian.Uint64(b[8:16]),
		Type:       Type(binary.LittleEndian.Uint32(b[16:20])),
		PayloadLen: binary.LittleEndian.Uint32(b[20:24]),
		Reserved:   binary.LittleEndian.Uint64(b[24:32]),
	}
}

// Message is a fully parsed framed record together with any attached
// descriptors. The recipient owns FDs only once it has taken them out of
// this struct (e.g. via TakeFD); a Message that is dropped without doing so
// leaks nothing only because Recv closes FDs nobody asked for: callers
// that do want them must take them promptly.
type Message struct {
	Serial  uint64
	Type    Type
	Payload []byte
	FDs     []int
}

// EventHandler is invoked for an incoming event-typed Message. It mirrors
// pkg/ipc.EventHandler's shape so components outside pkg/ipc (e.g.
// pkg/capture.Session's auxiliary handler, pkg/gamepad.Forwarder) can share
// one handler type without importing pkg/ipc.
type EventHandler func(Message) error

// TakeFD returns the i'th attached descriptor and removes it from FDs,
// transferring ownership to the caller. Returns -1 if i is out of range.
func (m *Message) TakeFD(i int) int {
	if i < 0 || i >= len(m.FDs) {
		return -1
	}
	fd := m.FDs[i]
	m.FDs = append(m.FDs[:i], m.FDs[i+1:]...)
	return fd
}

// CloseUnclaimed closes any descriptors still attached to m. Call this once
// the caller has taken ownership of every FD it wants.
func (m *Message) CloseUnclaimed() {
	for _, fd := range m.FDs {
		unix.Close(fd)
	}
	m.FDs = nil
}

// requiresFD reports how many FDs a message of type t must carry:
// messages requiring >=1 FD fail if none arrived, messages accepting
// <=1 optional FD accept either 0 or 1.
func requiresFD(t Type) (min, max int) {
	switch t &^ Type(EventBit) {
	case TypeImageGroup:
		return 1, MaxFDs
	case TypePresentImage:
		return 0, 1
	case TypeAcquireImage:
		return 0, 1
	case TypeEchoPayload:
		return 0, 1
	default:
		return 0, 0
	}
}
