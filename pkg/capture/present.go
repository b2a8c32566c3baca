package capture

import (
	"time"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

// GPU is the narrow set of Vulkan driver operations the present path
// needs, abstracted so this package's state machine is independently
// testable from any concrete loader binding.
type GPU interface {
	// CreateExportableImage allocates a 2D/1-mip/1-layer image matching
	// format with usage TRANSFER_SRC|TRANSFER_DST|SAMPLED, dedicated
	// memory, and an OPAQUE_FD-exportable memory handle. It returns an
	// opaque image handle and the exported memory FD.
	CreateExportableImage(width, height uint32, format vkabi.Format) (handle uint64, memFD int, err error)
	DestroyImage(handle uint64)

	// RecordAndSubmitBlit records the barriered copy from the real
	// swapchain image to dst, submits it signalling releaseSem and
	// releaseFence, and returns once submitted (not completed).
	RecordAndSubmitBlit(swapImage, dst uint64, oldLayout, newLayout vkabi.ImageLayout, releaseSem, releaseFence uint64) error

	// ExportSemaphoreFD exports sem as an OPAQUE_FD external payload.
	ExportSemaphoreFD(sem uint64) (int, error)
	// ImportSemaphoreFD imports fd as a temporary binary payload on sem.
	ImportSemaphoreFD(sem uint64, fd int) error

	// WaitFence blocks (respecting timeout, 0 meaning non-blocking poll)
	// until fence signals, reporting whether it did.
	WaitFence(fence uint64, timeout time.Duration) (bool, error)
	ResetFence(fence uint64) error

	CreateSemaphore() (uint64, error)
	CreateFence() (uint64, error)
}
