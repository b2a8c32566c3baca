package flingserver

import (
	"errors"
	"fmt"

	"github.com/Themaister/pyrofling/pkg/vkabi"
	"github.com/Themaister/pyrofling/pkg/wire"
)

var (
	ErrBadUsage       = errors.New("flingserver: image group usage must include SAMPLED and TRANSFER_SRC")
	ErrBadHandleType  = errors.New("flingserver: image group must use OPAQUE_FD external memory")
	ErrBadColorSpace  = errors.New("flingserver: image group must use sRGB nonlinear color space")
	ErrFDCountMismatch = errors.New("flingserver: image group FD count does not match image count")
)

// requiredUsage is the minimum usage set every imported image group
// must declare.
const requiredUsage = vkabi.ImageUsageSampled | vkabi.ImageUsageTransferSrc

// ValidateImageGroup enforces the required usage flags, handle type,
// and color space for an incoming ImageGroup message, plus an FD count
// matching ImageCount, before any import is attempted.
func ValidateImageGroup(g wire.ImageGroup, fdCount int) error {
	usage := vkabi.ImageUsage(g.Usage)
	if !usage.Has(requiredUsage) {
		return ErrBadUsage
	}
	if vkabi.ExternalMemoryHandleType(g.HandleType) != vkabi.ExternalMemoryHandleTypeOpaqueFD {
		return ErrBadHandleType
	}
	if vkabi.ColorSpace(g.ColorSpace) != vkabi.ColorSpaceSRGBNonlinear {
		return ErrBadColorSpace
	}
	if uint32(fdCount) != g.ImageCount {
		return ErrFDCountMismatch
	}
	return nil
}

// serverImage is one server-owned imported image plus its optional
// cross-device relay resources.
type serverImage struct {
	Handle uint64

	// Populated only when the owning group is cross-device.
	hostStagingBuffer   uint64
	sinkHostBuffer      uint64
	sinkImage           uint64
	memcpyFallback      bool
	sourceHostHandle    uintptr

	// last-read tracking semaphore an AcquireImage reply synthesizes
	// its acquire semaphore from, when one is present.
	lastReadSem uint64
}

// ImageGroup is the server-side swapchain image pool created from one
// client's ImageGroup message.
type ImageGroup struct {
	Serial      uint64
	Width       uint32
	Height      uint32
	Format      vkabi.Format
	CrossDevice bool

	Images []*serverImage

	// Frames mirrors Images 1:1, holding per-index frame-state
	// machine data (frame.go).
	Frames []*Frame
}

// ImportImageGroup validates g, imports each attached FD as a
// dedicated-allocation image on gpu, and, if crossDevice, also
// allocates the relay staging buffer and sink image.
func ImportImageGroup(gpu *EncodeGPU, g wire.ImageGroup, memFDs []int, crossDevice bool) (*ImageGroup, error) {
	if err := ValidateImageGroup(g, len(memFDs)); err != nil {
		return nil, err
	}

	format := vkabi.Format(g.Format)
	viewFormats := make([]vkabi.Format, 0, g.ViewFormatCount)
	for i := uint32(0); i < g.ViewFormatCount && i < uint32(len(g.ViewFormats)); i++ {
		viewFormats = append(viewFormats, vkabi.Format(g.ViewFormats[i]))
	}

	group := &ImageGroup{
		Serial:      g.Serial,
		Width:       g.Width,
		Height:      g.Height,
		Format:      format,
		CrossDevice: crossDevice,
	}

	for i, fd := range memFDs {
		image, err := gpu.ImportImage(fd, g.Width, g.Height, format, vkabi.ImageUsage(g.Usage), viewFormats)
		if err != nil {
			group.release(gpu)
			return nil, fmt.Errorf("flingserver: import image %d: %w", i, err)
		}
		si := &serverImage{Handle: image}

		if crossDevice {
			linearSize := alignStaging(uint64(g.Width) * uint64(g.Height) * 4)
			buf, hostHandle, err := gpu.CreateHostStagingBuffer(linearSize)
			if err != nil {
				group.release(gpu)
				return nil, fmt.Errorf("flingserver: create staging buffer %d: %w", i, err)
			}
			si.hostStagingBuffer = buf
			si.sourceHostHandle = hostHandle

			sinkBuf, err := gpu.ImportHostStagingBuffer(hostHandle, linearSize)
			if err != nil {
				si.memcpyFallback = true
			} else {
				si.sinkHostBuffer = sinkBuf
			}

			sinkImage, err := gpu.CreateSinkImage(g.Width, g.Height, format)
			if err != nil {
				group.release(gpu)
				return nil, fmt.Errorf("flingserver: create sink image %d: %w", i, err)
			}
			si.sinkImage = sinkImage
		}

		group.Images = append(group.Images, si)
		group.Frames = append(group.Frames, NewFrame(i))
	}

	return group, nil
}

func (g *ImageGroup) release(gpu *EncodeGPU) {
	for _, img := range g.Images {
		if img == nil {
			continue
		}
		gpu.DestroyImage(img.Handle)
		if img.hostStagingBuffer != 0 {
			gpu.DestroyBuffer(img.hostStagingBuffer)
		}
		if img.sinkHostBuffer != 0 {
			gpu.DestroyBuffer(img.sinkHostBuffer)
		}
		if img.sinkImage != 0 {
			gpu.DestroyImage(img.sinkImage)
		}
		if img.lastReadSem != 0 {
			gpu.DestroySemaphore(img.lastReadSem)
		}
	}
	g.Images = nil
}

// Release tears down every resource the group owns.
func (g *ImageGroup) Release(gpu *EncodeGPU) {
	g.release(gpu)
}

const stagingAlignment = 64 * 1024

func alignStaging(size uint64) uint64 {
	return (size + stagingAlignment - 1) &^ (stagingAlignment - 1)
}
