//go:build linux

package gamepad

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// uinput ioctl numbers and struct layout, ported from linux/uinput.h;
// there is no golang.org/x/sys/unix binding for these so the magic
// numbers are reproduced directly, grounded on virtual_gamepad.cpp's
// ioctl sequence.
const (
	uiSetEvBit  = 0x40045564
	uiSetKeyBit = 0x40045565
	uiSetAbsBit = 0x40045567
	uiDevCreate = 0x5501
	uiDevDestroy = 0x5502
	uiDevSetup  = 0x405c5503
	uiAbsSetup  = 0x401c5504

	evKey = 0x01
	evAbs = 0x03
	evSyn = 0x00
	synReport = 0

	busUSB = 0x03

	absX, absY       = 0x00, 0x01
	absZ             = 0x02
	absRX, absRY     = 0x03, 0x04
	absRZ            = 0x05
	absHat0X, absHat0Y = 0x10, 0x11
)

// buttonMapping maps State.Buttons bit index to an evdev BTN_* code, in
// the same order as virtual_gamepad.cpp's button_mapping table.
var buttonMapping = [11]uint16{
	0x130, // BTN_SOUTH
	0x131, // BTN_EAST
	0x134, // BTN_WEST
	0x133, // BTN_NORTH
	0x136, // BTN_TL
	0x137, // BTN_TR
	0x13d, // BTN_THUMBL
	0x13e, // BTN_THUMBR
	0x13b, // BTN_START
	0x13a, // BTN_SELECT
	0x13c, // BTN_MODE
}

// VirtualGamepad owns a /dev/uinput device emulating a generic evdev pad,
// ported from PyroFling::VirtualGamepad.
type VirtualGamepad struct {
	f    *os.File
	last State
}

// NewVirtualGamepad opens /dev/uinput and registers the pad's key and
// absolute-axis capability bits.
func NewVirtualGamepad() (*VirtualGamepad, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("gamepad: open /dev/uinput: %w", err)
	}

	vg := &VirtualGamepad{f: f}
	if err := vg.setup(); err != nil {
		f.Close()
		return nil, err
	}
	return vg, nil
}

func (vg *VirtualGamepad) ioctlInt(req uintptr, val int) error {
	return ioctl(vg.f.Fd(), req, uintptr(val))
}

func (vg *VirtualGamepad) setup() error {
	if err := vg.ioctlInt(uiSetEvBit, evKey); err != nil {
		return fmt.Errorf("gamepad: UI_SET_EVBIT EV_KEY: %w", err)
	}
	if err := vg.ioctlInt(uiSetEvBit, evAbs); err != nil {
		return fmt.Errorf("gamepad: UI_SET_EVBIT EV_ABS: %w", err)
	}

	for _, btn := range buttonMapping {
		if err := vg.ioctlInt(uiSetKeyBit, int(btn)); err != nil {
			return fmt.Errorf("gamepad: UI_SET_KEYBIT %#x: %w", btn, err)
		}
	}

	axes := []struct {
		code     int
		min, max int32
	}{
		{absX, -0x7fff, 0x7fff}, {absY, -0x7fff, 0x7fff},
		{absRX, -0x7fff, 0x7fff}, {absRY, -0x7fff, 0x7fff},
		{absZ, 0, 0xff}, {absRZ, 0, 0xff},
		{absHat0X, -1, 1}, {absHat0Y, -1, 1},
	}
	for _, a := range axes {
		if err := vg.ioctlInt(uiSetAbsBit, a.code); err != nil {
			return fmt.Errorf("gamepad: UI_SET_ABSBIT %#x: %w", a.code, err)
		}
		if err := vg.absSetup(uint16(a.code), a.min, a.max); err != nil {
			return err
		}
	}

	if err := vg.devSetup(); err != nil {
		return err
	}
	if err := ioctl(vg.f.Fd(), uiDevCreate, 0); err != nil {
		return fmt.Errorf("gamepad: UI_DEV_CREATE: %w", err)
	}
	return nil
}

// uinputAbsSetup mirrors struct uinput_abs_setup: u16 code + 2 pad bytes
// + struct input_absinfo (6 x s32).
func (vg *VirtualGamepad) absSetup(code uint16, min, max int32) error {
	var b [28]byte
	binary.LittleEndian.PutUint16(b[0:2], code)
	binary.LittleEndian.PutUint32(b[4:8], 0) // absinfo.value
	binary.LittleEndian.PutUint32(b[8:12], uint32(min))
	binary.LittleEndian.PutUint32(b[12:16], uint32(max))
	if err := ioctlPtr(vg.f.Fd(), uiAbsSetup, &b[0]); err != nil {
		return fmt.Errorf("gamepad: UI_ABS_SETUP code %#x: %w", code, err)
	}
	return nil
}

// uinputSetup mirrors struct uinput_setup: struct input_id (4 x u16) +
// name[80] + u32 ff_effects_max.
func (vg *VirtualGamepad) devSetup() error {
	var b [92]byte
	binary.LittleEndian.PutUint16(b[0:2], busUSB)
	binary.LittleEndian.PutUint16(b[2:4], 0x8998) // vendor
	binary.LittleEndian.PutUint16(b[4:6], 0xffee) // product
	copy(b[8:88], "PyroFling virtual gamepad")
	if err := ioctlPtr(vg.f.Fd(), uiDevSetup, &b[0]); err != nil {
		return fmt.Errorf("gamepad: UI_DEV_SETUP: %w", err)
	}
	return nil
}

// inputEvent mirrors struct input_event on 64-bit Linux: struct timeval
// (2 x u64) + u16 type + u16 code + s32 value.
func (vg *VirtualGamepad) writeEvent(typ, code uint16, value int32) error {
	var b [24]byte
	binary.LittleEndian.PutUint16(b[16:18], typ)
	binary.LittleEndian.PutUint16(b[18:20], code)
	binary.LittleEndian.PutUint32(b[20:24], uint32(value))
	_, err := vg.f.Write(b[:])
	return err
}

// Report sends the delta between state and the last reported state as
// EV_KEY/EV_ABS events followed by an EV_SYN report, ported from
// VirtualGamepad::report_state.
func (vg *VirtualGamepad) Report(state State) error {
	delta := state.Buttons ^ vg.last.Buttons
	for bit := 0; bit < len(buttonMapping); bit++ {
		mask := uint16(1) << uint(bit)
		if delta&mask == 0 {
			continue
		}
		val := int32(0)
		if state.Buttons&mask != 0 {
			val = 1
		}
		if err := vg.writeEvent(evKey, buttonMapping[bit], val); err != nil {
			return err
		}
	}

	type axisUpdate struct {
		code     uint16
		cur, old int32
	}
	axes := []axisUpdate{
		{absX, int32(state.AxisLX), int32(vg.last.AxisLX)},
		{absY, int32(state.AxisLY), int32(vg.last.AxisLY)},
		{absRX, int32(state.AxisRX), int32(vg.last.AxisRX)},
		{absRY, int32(state.AxisRY), int32(vg.last.AxisRY)},
		{absZ, int32(state.LZ), int32(vg.last.LZ)},
		{absRZ, int32(state.RZ), int32(vg.last.RZ)},
		{absHat0X, int32(state.HatX), int32(vg.last.HatX)},
		{absHat0Y, int32(state.HatY), int32(vg.last.HatY)},
	}
	for _, a := range axes {
		if a.cur != a.old {
			if err := vg.writeEvent(evAbs, a.code, a.cur); err != nil {
				return err
			}
		}
	}

	if err := vg.writeEvent(evSyn, synReport, 0); err != nil {
		return err
	}
	vg.last = state
	return nil
}

// Close destroys the uinput device.
func (vg *VirtualGamepad) Close() error {
	ioctl(vg.f.Fd(), uiDevDestroy, 0)
	return vg.f.Close()
}
