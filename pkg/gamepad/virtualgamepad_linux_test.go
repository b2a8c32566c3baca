//go:build linux

package gamepad

import "testing"

func TestButtonMappingCoversAllNamedBits(t *testing.T) {
	bits := []uint16{SouthBit, EastBit, WestBit, NorthBit, TLBit, TRBit, ThumbLBit, ThumbRBit, StartBit, SelectBit, ModeBit}
	if len(bits) != len(buttonMapping) {
		t.Fatalf("have %d named bits but %d evdev codes", len(bits), len(buttonMapping))
	}
}
