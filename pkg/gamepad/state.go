// Package gamepad implements joypad/input forwarding: a forwarding
// client sends joypad samples to the server over the control socket
// (wire.TypeGamepadState), the server rebroadcasts them to every other
// connected client as wire.TypeGamepadEvent, and a Forwarder on the
// capture side injects them into a kernel virtual gamepad via
// /dev/uinput.
package gamepad

import "github.com/Themaister/pyrofling/pkg/wire"

// Button bit positions are ordered to match a conventional evdev
// button_mapping table, so bit i always maps to the same evdev button
// across both ends.
const (
	SouthBit uint16 = 1 << iota
	EastBit
	WestBit
	NorthBit
	TLBit
	TRBit
	ThumbLBit
	ThumbRBit
	StartBit
	SelectBit
	ModeBit
)

// State is one joypad sample, independent of the wire encoding.
type State struct {
	AxisLX, AxisLY int16
	AxisRX, AxisRY int16
	HatX, HatY     int8
	LZ, RZ         uint8
	Buttons        uint16
}

// ToWire converts s to its wire payload form.
func (s State) ToWire() wire.GamepadState {
	return wire.GamepadState{
		AxisLX: s.AxisLX, AxisLY: s.AxisLY,
		AxisRX: s.AxisRX, AxisRY: s.AxisRY,
		HatX: s.HatX, HatY: s.HatY,
		LZ: s.LZ, RZ: s.RZ,
		Buttons: s.Buttons,
	}
}

// FromWire converts a received wire payload back into a State.
func FromWire(w wire.GamepadState) State {
	return State{
		AxisLX: w.AxisLX, AxisLY: w.AxisLY,
		AxisRX: w.AxisRX, AxisRY: w.AxisRY,
		HatX: w.HatX, HatY: w.HatY,
		LZ: w.LZ, RZ: w.RZ,
		Buttons: w.Buttons,
	}
}
