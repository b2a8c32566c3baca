package flingserver

import (
	"time"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

// EncodeGPU is the narrow set of driver operations the server needs on
// the encoder's physical device, the server-side analog of
// pkg/capture's GPU interface: the protocol/scheduling logic in this
// package is implemented and tested against this interface instead of
// calling into a real Vulkan loader.
type EncodeGPU struct {
	// ImportImage imports one client-exported OPAQUE_FD memory object
	// as a dedicated-allocation image of the given geometry/format,
	// with the explicit view-format list needed for mutable sRGB/UNORM
	// aliasing.
	ImportImage func(memFD int, width, height uint32, format vkabi.Format, usage vkabi.ImageUsage, viewFormats []vkabi.Format) (image uint64, err error)

	// CreateHostStagingBuffer and ImportHostStagingBuffer implement
	// the cross-device relay path: a host staging buffer imported as
	// host-memory external on both devices where possible, otherwise
	// plain host buffers with a CPU memcpy fallback.
	CreateHostStagingBuffer  func(size uint64) (buffer uint64, hostHandle uintptr, err error)
	ImportHostStagingBuffer  func(hostHandle uintptr, size uint64) (buffer uint64, err error)
	CreateSinkImage          func(width, height uint32, format vkabi.Format) (image uint64, err error)

	// ImportSemaphoreTemporary imports fd as a temporary binary
	// payload on a throwaway semaphore object.
	ImportSemaphoreTemporary func(fd int) (sem uint64, err error)

	// RecordAcquireBarrier records the ownership-transfer barrier from
	// VK_QUEUE_FAMILY_EXTERNAL with the given old/new layouts, on
	// either the async-transfer or async-compute queue depending on
	// crossDevice.
	RecordAcquireBarrier func(image uint64, oldLayout, newLayout vkabi.ImageLayout, crossDevice bool) (cmdBuf uint64, err error)

	// RecordCrossDeviceCopy records the image->host-buffer copy and
	// host barrier used when the client's device differs from the
	// encoder's.
	RecordCrossDeviceCopy func(image, hostBuffer uint64) (cmdBuf uint64, err error)

	// MemcpyFallback performs the CPU-side copy used when host-memory
	// external allocation isn't available on one side.
	MemcpyFallback func(src, dst uintptr, size uint64)

	CreateFence func() (fence uint64, err error)
	WaitFence   func(fence uint64, timeout time.Duration) (bool, error)
	ResetFence  func(fence uint64) error

	// Submit submits a chain of command buffers waiting on waitSem,
	// signalling fence on completion.
	Submit func(cmdBufs []uint64, waitSem uint64, fence uint64) error

	// ComposeSurface blends one ready surface (or, if hasSurface is
	// false, a dummy solid color) into the server's YCbCr
	// composition target for encode_frame.
	ComposeSurface func(image uint64, hasSurface bool) error

	// ExportLastReadSemaphore hands back an FD for the per-image
	// tracking semaphore synthesized into AcquireImage replies.
	ExportLastReadSemaphore func(sem uint64) (fd int, err error)

	DestroyImage     func(image uint64)
	DestroyBuffer    func(buffer uint64)
	DestroySemaphore func(sem uint64)
	DestroyFence     func(fence uint64)
}
