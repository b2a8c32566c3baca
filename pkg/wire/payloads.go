package wire

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// ClientHello intent values.
const (
	IntentVulkanExternalStream uint32 = 1
	// IntentEchoStream marks a connection to cmd/pyrofling-echo's
	// self-contained listener+client pair rather than the real
	// streaming server.
	IntentEchoStream uint32 = 2
)

// ClientHello is the client's opening message (256 bytes on the wire: a
// u32 intent, a u32 version, and a 248-byte NUL-terminated name).
type ClientHello struct {
	Intent  uint32
	Version uint32
	Name    string
}

func (c ClientHello) Marshal() []byte {
	b := make([]byte, 256)
	binary.LittleEndian.PutUint32(b[0:4], c.Intent)
	binary.LittleEndian.PutUint32(b[4:8], c.Version)
	n := copy(b[8:256], c.Name)
	_ = n
	return b
}

func ParseClientHello(b []byte) ClientHello {
	name := nulTerminated(b[8:256])
	return ClientHello{
		Intent:  binary.LittleEndian.Uint32(b[0:4]),
		Version: binary.LittleEndian.Uint32(b[4:8]),
		Name:    name,
	}
}

// ServerHello is the server's reply (64 bytes: u32 version, u32 flags, 56
// reserved bytes).
type ServerHello struct {
	Version uint32
	Flags   uint32
}

func (s ServerHello) Marshal() []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint32(b[0:4], s.Version)
	binary.LittleEndian.PutUint32(b[4:8], s.Flags)
	return b
}

func ParseServerHello(b []byte) ServerHello {
	return ServerHello{
		Version: binary.LittleEndian.Uint32(b[0:4]),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
	}
}

// Device identifies the physical GPU a client session is bound to (44
// bytes: 16-byte device UUID, 16-byte driver UUID, 8-byte LUID, u32
// luid_valid).
type Device struct {
	DeviceUUID uuid.UUID
	DriverUUID uuid.UUID
	LUID       uint64
	LUIDValid  bool
}

func (d Device) Marshal() []byte {
	b := make([]byte, 44)
	copy(b[0:16], d.DeviceUUID[:])
	copy(b[16:32], d.DriverUUID[:])
	binary.LittleEndian.PutUint64(b[32:40], d.LUID)
	if d.LUIDValid {
		binary.LittleEndian.PutUint32(b[40:44], 1)
	}
	return b
}

func ParseDevice(b []byte) Device {
	var d Device
	copy(d.DeviceUUID[:], b[0:16])
	copy(d.DriverUUID[:], b[16:32])
	d.LUID = binary.LittleEndian.Uint64(b[32:40])
	d.LUIDValid = binary.LittleEndian.Uint32(b[40:44]) != 0
	return d
}

// ImageGroup describes the shared image pool created for a swapchain (104
// bytes: serial u64, width/height u32, format u32, colorSpace u32, usage
// u32, flags u32, 15 view-format u32 slots, viewFormatCount u32, handleType
// u32, imageCount u32).
type ImageGroup struct {
	Serial          uint64
	Width           uint32
	Height          uint32
	Format          uint32
	ColorSpace      uint32
	Usage           uint32
	Flags           uint32
	ViewFormats     [15]uint32
	ViewFormatCount uint32
	HandleType      uint32
	ImageCount      uint32
}

func (g ImageGroup) Marshal() []byte {
	b := make([]byte, 104)
	binary.LittleEndian.PutUint64(b[0:8], g.Serial)
	binary.LittleEndian.PutUint32(b[8:12], g.Width)
	binary.LittleEndian.PutUint32(b[12:16], g.Height)
	binary.LittleEndian.PutUint32(b[16:20], g.Format)
	binary.LittleEndian.PutUint32(b[20:24], g.ColorSpace)
	binary.LittleEndian.PutUint32(b[24:28], g.Usage)
	binary.LittleEndian.PutUint32(b[28:32], g.Flags)
	off := 32
	for i := 0; i < 15; i++ {
		binary.LittleEndian.PutUint32(b[off+i*4:off+i*4+4], g.ViewFormats[i])
	}
	off += 15 * 4
	binary.LittleEndian.PutUint32(b[off:off+4], g.ViewFormatCount)
	binary.LittleEndian.PutUint32(b[off+4:off+8], g.HandleType)
	binary.LittleEndian.PutUint32(b[off+8:off+12], g.ImageCount)
	return b
}

func ParseImageGroup(b []byte) ImageGroup {
	var g ImageGroup
	g.Serial = binary.LittleEndian.Uint64(b[0:8])
	g.Width = binary.LittleEndian.Uint32(b[8:12])
	g.Height = binary.LittleEndian.Uint32(b[12:16])
	g.Format = binary.LittleEndian.Uint32(b[16:20])
	g.ColorSpace = binary.LittleEndian.Uint32(b[20:24])
	g.Usage = binary.LittleEndian.Uint32(b[24:28])
	g.Flags = binary.LittleEndian.Uint32(b[28:32])
	off := 32
	for i := 0; i < 15; i++ {
		g.ViewFormats[i] = binary.LittleEndian.Uint32(b[off+i*4 : off+i*4+4])
	}
	off += 15 * 4
	g.ViewFormatCount = binary.LittleEndian.Uint32(b[off : off+4])
	g.HandleType = binary.LittleEndian.Uint32(b[off+4 : off+8])
	g.ImageCount = binary.LittleEndian.Uint32(b[off+8 : off+12])
	return g
}

// PresentImage (32 bytes): groupSerial u64, imageIndex u32, semType u32,
// oldLayout u32, newLayout u32, presentID u64. Period is not part of the
// wire form.
type PresentImage struct {
	GroupSerial uint64
	ImageIndex  uint32
	SemType     uint32
	OldLayout   uint32
	NewLayout   uint32
	PresentID   uint64
	Period      uint32
}

func (p PresentImage) Marshal() []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint64(b[0:8], p.GroupSerial)
	binary.LittleEndian.PutUint32(b[8:12], p.ImageIndex)
	binary.LittleEndian.PutUint32(b[12:16], p.SemType)
	binary.LittleEndian.PutUint32(b[16:20], p.OldLayout)
	binary.LittleEndian.PutUint32(b[20:24], p.NewLayout)
	binary.LittleEndian.PutUint64(b[24:32], p.PresentID)
	// Note: the struct carries 36 logical bytes of fields but the wire
	// size is fixed at 32; PresentID occupies the final 8 bytes, and
	// Period is not serialized, so ParsePresentImage leaves it 0.
	return b
}

func ParsePresentImage(b []byte) PresentImage {
	var p PresentImage
	p.GroupSerial = binary.LittleEndian.Uint64(b[0:8])
	p.ImageIndex = binary.LittleEndian.Uint32(b[8:12])
	p.SemType = binary.LittleEndian.Uint32(b[12:16])
	p.OldLayout = binary.LittleEndian.Uint32(b[16:20])
	p.NewLayout = binary.LittleEndian.Uint32(b[20:24])
	p.PresentID = binary.LittleEndian.Uint64(b[24:32])
	return p
}

// AcquireImage (16 bytes, event): groupSerial-derived serial field is the
// wire serial (0, event); body carries imageIndex u32, semType u32, and
// the image group's serial u64 (BodySerial) used to disambiguate stale
// groups.
type AcquireImage struct {
	ImageIndex uint32
	SemType    uint32
	BodySerial uint64
}

func (a AcquireImage) Marshal() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], a.ImageIndex)
	binary.LittleEndian.PutUint32(b[4:8], a.SemType)
	binary.LittleEndian.PutUint64(b[8:16], a.BodySerial)
	return b
}

func ParseAcquireImage(b []byte) AcquireImage {
	return AcquireImage{
		ImageIndex: binary.LittleEndian.Uint32(b[0:4]),
		SemType:    binary.LittleEndian.Uint32(b[4:8]),
		BodySerial: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// RetireImage (16 bytes): same shape as AcquireImage minus the semaphore
// type (reserved).
type RetireImage struct {
	ImageIndex uint32
	_reserved  uint32
	BodySerial uint64
}

func (r RetireImage) Marshal() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], r.ImageIndex)
	binary.LittleEndian.PutUint64(b[8:16], r.BodySerial)
	return b
}

func ParseRetireImage(b []byte) RetireImage {
	return RetireImage{
		ImageIndex: binary.LittleEndian.Uint32(b[0:4]),
		BodySerial: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// FrameComplete (48 bytes, event): presentedPyroID u64, presentedKHRID u64,
// completeTimestampNS u64, groupSerial u64, plus 16 reserved bytes for
// future audio-compensation fields.
type FrameComplete struct {
	PresentedPyroID      uint64
	PresentedKHRID       uint64
	CompleteTimestampNS  uint64
	GroupSerial          uint64
}

func (f FrameComplete) Marshal() []byte {
	b := make([]byte, 48)
	binary.LittleEndian.PutUint64(b[0:8], f.PresentedPyroID)
	binary.LittleEndian.PutUint64(b[8:16], f.PresentedKHRID)
	binary.LittleEndian.PutUint64(b[16:24], f.CompleteTimestampNS)
	binary.LittleEndian.PutUint64(b[24:32], f.GroupSerial)
	return b
}

func ParseFrameComplete(b []byte) FrameComplete {
	return FrameComplete{
		PresentedPyroID:     binary.LittleEndian.Uint64(b[0:8]),
		PresentedKHRID:      binary.LittleEndian.Uint64(b[8:16]),
		CompleteTimestampNS: binary.LittleEndian.Uint64(b[16:24]),
		GroupSerial:         binary.LittleEndian.Uint64(b[24:32]),
	}
}

// GamepadState (16 bytes) carries one joypad sample: four signed 16-bit
// axes, a signed 8-bit D-pad hat per axis, two unsigned 8-bit analog
// triggers, and a button bitmask.
type GamepadState struct {
	AxisLX, AxisLY int16
	AxisRX, AxisRY int16
	HatX, HatY     int8
	LZ, RZ         uint8
	Buttons        uint16
}

func (g GamepadState) Marshal() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:2], uint16(g.AxisLX))
	binary.LittleEndian.PutUint16(b[2:4], uint16(g.AxisLY))
	binary.LittleEndian.PutUint16(b[4:6], uint16(g.AxisRX))
	binary.LittleEndian.PutUint16(b[6:8], uint16(g.AxisRY))
	b[8] = byte(g.HatX)
	b[9] = byte(g.HatY)
	b[10] = g.LZ
	b[11] = g.RZ
	binary.LittleEndian.PutUint16(b[12:14], g.Buttons)
	return b
}

func ParseGamepadState(b []byte) GamepadState {
	return GamepadState{
		AxisLX:  int16(binary.LittleEndian.Uint16(b[0:2])),
		AxisLY:  int16(binary.LittleEndian.Uint16(b[2:4])),
		AxisRX:  int16(binary.LittleEndian.Uint16(b[4:6])),
		AxisRY:  int16(binary.LittleEndian.Uint16(b[6:8])),
		HatX:    int8(b[8]),
		HatY:    int8(b[9]),
		LZ:      b[10],
		RZ:      b[11],
		Buttons: binary.LittleEndian.Uint16(b[12:14]),
	}
}

func nulTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
