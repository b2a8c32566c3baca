package capture

import (
	"github.com/google/uuid"

	"github.com/Themaister/pyrofling/pkg/vkabi"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// DeviceIdentity names the physical GPU a client session is bound to,
// sent in the Device message.
type DeviceIdentity struct {
	DeviceUUID uuid.UUID
	DriverUUID uuid.UUID
	LUID       uint64
	LUIDValid  bool
}

// Binding tracks the currently-bound physical device and swapchain
// geometry for one surface.
type Binding struct {
	gpu     GPU
	session *Session
	pool    *Pool
	env     Env

	device DeviceIdentity
	bound  bool
}

// NewBinding creates an unbound Binding.
func NewBinding(gpu GPU, session *Session, pool *Pool, env Env) *Binding {
	return &Binding{gpu: gpu, session: session, pool: pool, env: env}
}

// Bind applies the five-step binding procedure for a swapchain of the
// given geometry on device.
func (b *Binding) Bind(device DeviceIdentity, width, height uint32, format vkabi.Format) error {
	// Step 1: a device change drops everything from the prior binding.
	if b.bound && b.device != device {
		b.releaseImages()
		b.session.Drop()
	}

	// Step 2: ensure the session is connected and announce the device.
	if !b.session.Connected() {
		if err := b.session.Connect(); err != nil {
			return err
		}
	}
	if !b.bound || b.device != device {
		b.announceDevice(device)
	}
	b.device = device
	b.bound = true

	// Step 3: unchanged geometry keeps the existing image group.
	if b.pool.MatchesGeometry(width, height, format) {
		return nil
	}

	// Steps 4-5: allocate a fresh set of exportable images and publish
	// the ImageGroup message with every image's memory FD attached.
	return b.allocateImageGroup(width, height, format)
}

func (b *Binding) releaseImages() {
	for _, img := range b.pool.Images {
		b.gpu.DestroyImage(img.Handle)
	}
	b.pool.Reset(0, 0, 0, 0, nil)
}

func (b *Binding) announceDevice(d DeviceIdentity) {
	msg := wire.Device{
		DeviceUUID: d.DeviceUUID,
		DriverUUID: d.DriverUUID,
		LUID:       d.LUID,
		LUIDValid:  d.LUIDValid,
	}
	b.session.sendDevice(msg)
}

func (b *Binding) allocateImageGroup(width, height uint32, format vkabi.Format) error {
	count := b.env.ImageCount()
	images := make([]*Image, 0, count)
	fds := make([]int, 0, count)

	for i := uint32(0); i < count; i++ {
		handle, memFD, err := b.gpu.CreateExportableImage(width, height, format)
		if err != nil {
			for _, created := range images {
				b.gpu.DestroyImage(created.Handle)
			}
			return err
		}
		sem, err := b.gpu.CreateSemaphore()
		if err != nil {
			return err
		}
		fence, err := b.gpu.CreateFence()
		if err != nil {
			return err
		}
		images = append(images, &Image{Handle: handle, MemFD: memFD, ReleaseSem: sem, Fence: fence})
		fds = append(fds, memFD)
	}

	serial := b.pool.Serial + 1
	b.pool.Reset(serial, width, height, format, images)

	unorm, hasUnorm := vkabi.KnownSRGBUnormPair(format)
	group := wire.ImageGroup{
		Serial:     serial,
		Width:      width,
		Height:     height,
		Format:     uint32(format),
		ColorSpace: uint32(vkabi.ColorSpaceSRGBNonlinear),
		Usage:      uint32(vkabi.ImageUsageTransferSrc | vkabi.ImageUsageTransferDst | vkabi.ImageUsageSampled),
		HandleType: uint32(vkabi.ExternalMemoryHandleTypeOpaqueFD),
		ImageCount: count,
	}
	if hasUnorm {
		group.ViewFormats[0] = uint32(unorm)
		group.ViewFormatCount = 1
	}

	b.session.sendImageGroup(group, fds)
	return nil
}
