package gamepad

import (
	"testing"

	"github.com/Themaister/pyrofling/pkg/wire"
)

func TestStateWireRoundTrip(t *testing.T) {
	s := State{
		AxisLX: -1000, AxisLY: 2000,
		AxisRX: 300, AxisRY: -400,
		HatX: -1, HatY: 1,
		LZ: 12, RZ: 250,
		Buttons: SouthBit | TRBit | StartBit,
	}
	got := FromWire(s.ToWire())
	if got != s {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, s)
	}
}

func TestForwarderHandleEventIgnoresOtherTypes(t *testing.T) {
	f := NewForwarder(nil)
	msg := wire.Message{Type: wire.TypeFrameComplete, Payload: make([]byte, 8)}
	if err := f.HandleEvent(msg); err != nil {
		t.Fatalf("non-gamepad event should be ignored, got err: %v", err)
	}
}

func TestForwarderHandleEventNilVirtualGamepadIsNoop(t *testing.T) {
	f := NewForwarder(nil)
	state := wire.GamepadState{Buttons: SouthBit}
	msg := wire.Message{Type: wire.TypeGamepadEvent, Payload: state.Marshal()}
	if err := f.HandleEvent(msg); err != nil {
		t.Fatalf("nil VirtualGamepad should be a no-op, got err: %v", err)
	}
}

type fakeEventSource struct {
	handler wire.EventHandler
}

func (f *fakeEventSource) SetAuxiliaryEventHandler(fn wire.EventHandler) {
	f.handler = fn
}

func TestForwarderInstallRegistersOnEventSource(t *testing.T) {
	f := NewForwarder(nil)
	src := &fakeEventSource{}
	f.Install(src)
	if src.handler == nil {
		t.Fatal("Install did not register an event handler")
	}

	state := wire.GamepadState{Buttons: EastBit}
	msg := wire.Message{Type: wire.TypeGamepadEvent, Payload: state.Marshal()}
	if err := src.handler(msg); err != nil {
		t.Fatalf("installed handler returned error: %v", err)
	}
}

func TestButtonBitsAreDistinct(t *testing.T) {
	bits := []uint16{SouthBit, EastBit, WestBit, NorthBit, TLBit, TRBit, ThumbLBit, ThumbRBit, StartBit, SelectBit, ModeBit}
	seen := make(map[uint16]bool)
	for _, b := range bits {
		if seen[b] {
			t.Fatalf("duplicate bit value %#x", b)
		}
		seen[b] = true
	}
}
