//go:build !linux

package gamepad

import "errors"

// ErrUnsupportedPlatform is returned by NewVirtualGamepad on platforms
// without a uinput-equivalent injection path.
var ErrUnsupportedPlatform = errors.New("gamepad: virtual gamepad injection requires Linux uinput")

// VirtualGamepad is unavailable outside Linux.
type VirtualGamepad struct{}

func NewVirtualGamepad() (*VirtualGamepad, error) {
	return nil, ErrUnsupportedPlatform
}

func (vg *VirtualGamepad) Report(state State) error { return ErrUnsupportedPlatform }
func (vg *VirtualGamepad) Close() error              { return nil }
