// Package flingserver implements the streaming server: it accepts
// client control connections over the socket pkg/dispatch listens on,
// imports their swapchain images, drives present scheduling off the
// virtual vblank from pkg/vblank, and dispatches completed frames to an
// encoder.
//
// Follows a connection-manager shape: a registry of live peers keyed
// by identity, torn down on disconnect, generalized here from TCP
// tunnels to control-socket clients.
package flingserver

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Themaister/pyrofling/pkg/wire"
)

// PhysicalDevice is one GPU the server's Vulkan instance enumerated at
// startup.
type PhysicalDevice struct {
	Index      int
	Name       string
	DeviceUUID uuid.UUID
	DriverUUID uuid.UUID
	LUID       uint64
	LUIDValid  bool
}

// DeviceRegistry is the fixed set of physical devices discovered at
// startup.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices []PhysicalDevice
}

// NewDeviceRegistry wraps a statically enumerated device list.
func NewDeviceRegistry(devices []PhysicalDevice) *DeviceRegistry {
	return &DeviceRegistry{devices: devices}
}

// ErrNoMatchingDevice is returned when a client's Device message names
// no physical device the server enumerated.
var ErrNoMatchingDevice = fmt.Errorf("flingserver: no matching physical device")

// Match binds a client's Device message to a physical device: match by
// LUID if both sides assert it, else by (device UUID, driver UUID).
func (r *DeviceRegistry) Match(d wire.Device) (PhysicalDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d.LUIDValid {
		for _, pd := range r.devices {
			if pd.LUIDValid && pd.LUID == d.LUID {
				return pd, nil
			}
		}
	}

	for _, pd := range r.devices {
		if pd.DeviceUUID == d.DeviceUUID && pd.DriverUUID == d.DriverUUID {
			return pd, nil
		}
	}

	return PhysicalDevice{}, ErrNoMatchingDevice
}

// EncoderDevice returns the physical device the encoder is bound to,
// always index 0 by convention.
func (r *DeviceRegistry) EncoderDevice() PhysicalDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[0]
}

// CrossDevice reports whether pd differs from the encoder's device,
// triggering the cross-device staging path.
func (r *DeviceRegistry) CrossDevice(pd PhysicalDevice) bool {
	return pd.Index != r.EncoderDevice().Index
}
