package crosswsi

import (
	"time"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

// SourceDevice is the narrow set of driver operations the layer needs
// on the GPU the application renders to.
type SourceDevice struct {
	// CreateTransferImage allocates a dedicated-memory image with
	// TRANSFER_SRC added to the application's requested usage.
	CreateTransferImage func(width, height uint32, format vkabi.Format) (image uint64, err error)

	// CreateHostStagingBuffer allocates and imports a host-pointer
	// external buffer of the given (64 KiB-aligned) size.
	CreateHostStagingBuffer func(size uint64) (buffer uint64, hostHandle uintptr, err error)

	// RecordBlitToHost records the source-side command stream: image
	// barrier to TRANSFER_SRC, image->buffer copy, buffer barrier to
	// HOST_READ, image barrier back to PRESENT_SRC.
	RecordBlitToHost func(image, buffer uint64) (cmdBuf uint64, err error)

	// CreateExportableSemaphore creates a semaphore exportable as an
	// OPAQUE_FD.
	CreateExportableSemaphore func() (sem uint64, err error)

	// SignalSemaphoreOnce runs the one-queue-submit trampoline needed
	// to get an external semaphore into the signalled state, since
	// external semaphores cannot be created pre-signalled.
	SignalSemaphoreOnce func(sem uint64) error

	// ExportSemaphoreFD and ExportFenceFD hand back a dup'able FD for
	// temporary import into an application-owned semaphore/fence
	// during AcquireNextImageKHR emulation.
	ExportSemaphoreFD func(sem uint64) (fd int, err error)
	ExportFenceFD     func(fence uint64) (fd int, err error)

	// CreateExportableSignalledFence creates the throwaway signalled,
	// exportable fence Acquire hands to the application.
	CreateExportableSignalledFence func() (fence uint64, err error)

	CreateFence func() (fence uint64, err error)
	WaitFence   func(fence uint64, timeout time.Duration) (bool, error)
	ResetFence  func(fence uint64) error

	// Submit submits cmdBuf, waiting on waitSem (if nonzero) and
	// signalling signalSem (if nonzero) and fence (if nonzero).
	Submit func(cmdBuf uint64, waitSem, signalSem, fence uint64) error

	// DummySubmit absorbs a set of wait semaphores without touching
	// any shared resources, draining provided wait semaphores with a
	// submit that does nothing else.
	DummySubmit func(waitSems []uint64) error

	DestroyImage     func(image uint64)
	DestroyBuffer    func(buffer uint64)
	DestroySemaphore func(sem uint64)
	DestroyFence     func(fence uint64)
}

// SinkDevice is the narrow set of driver operations the layer needs on
// the GPU that owns the real presentable surface.
type SinkDevice struct {
	// ImportHostBuffer imports the same host allocation backing a
	// source staging buffer as external memory on the sink device.
	ImportHostBuffer func(hostHandle uintptr, size uint64) (buffer uint64, err error)

	// AcquireSwapchainImage wraps the real vkAcquireNextImageKHR on
	// the sink's actual swapchain, returning the acquired image handle.
	AcquireSwapchainImage func(acquireFence uint64) (image uint64, err error)

	// RecordBlitFromHost records the sink-side command stream: image
	// barrier to TRANSFER_DST, buffer->image copy, image barrier to
	// PRESENT_SRC.
	RecordBlitFromHost func(buffer, image uint64) (cmdBuf uint64, err error)

	// SubmitAndPresent submits cmdBuf signalling releaseSem while
	// holding the sink queue lock, then calls vkQueuePresentKHR.
	SubmitAndPresent func(cmdBuf uint64, releaseSem uint64, imageIndex int, presentID uint64) error

	CreateFence func() (fence uint64, err error)
	WaitFence   func(fence uint64, timeout time.Duration) (bool, error)
	ResetFence  func(fence uint64) error

	CreateSemaphore func() (sem uint64, err error)

	// MinImageCount is the maximum minImageCount over the application's
	// declared compatible present modes.
	MinImageCount func() uint32

	// SurfaceSupport answers GetPhysicalDeviceSurfaceSupportKHR,
	// additionally checking family capability.
	SurfaceSupport func(queueFamily uint32, hasGraphicsComputeTransfer bool) bool

	DestroyImage     func(image uint64)
	DestroyBuffer    func(buffer uint64)
	DestroySemaphore func(sem uint64)
	DestroyFence     func(fence uint64)
	ReleaseImages    func(indices []int) error
}
