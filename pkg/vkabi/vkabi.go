// Package vkabi defines the narrow slice of the Vulkan ABI pyrofling's
// wire protocol actually needs to name: image formats, layouts, usage
// flags, color spaces and external-memory/semaphore handle types. This
// package does not call into a Vulkan loader or driver: pyrofling's
// server and clients exchange these values as plain integers over
// pkg/wire, and it is the capture/crosswsi/flingserver layers (running
// inside a real Vulkan application) that interpret them against an
// actual VkDevice.
//
// Numeric values match the upstream Vulkan headers so a real
// implementation's encode/decode is a straight cast, not a remap.
package vkabi

// Format mirrors a subset of VkFormat relevant to the swapchain formats
// pyrofling negotiates.
type Format uint32

const (
	FormatUndefined      Format = 0
	FormatB8G8R8A8Unorm  Format = 44
	FormatB8G8R8A8Srgb   Format = 50
	FormatR8G8B8A8Unorm  Format = 37
	FormatR8G8B8A8Srgb   Format = 43
	FormatA2B10G10R10Unorm Format = 64
	FormatR16G16B16A16Sfloat Format = 97
)

// ColorSpace mirrors VkColorSpaceKHR, restricted to the set the server's
// surface filter accepts.
type ColorSpace uint32

const (
	ColorSpaceSRGBNonlinear    ColorSpace = 0
	ColorSpaceHDR10ST2084      ColorSpace = 1000104008
	ColorSpaceExtendedSRGBLinear ColorSpace = 1000104002
)

// ImageLayout mirrors VkImageLayout for the subset pyrofling's barriers
// reference.
type ImageLayout uint32

const (
	ImageLayoutUndefined        ImageLayout = 0
	ImageLayoutGeneral          ImageLayout = 1
	ImageLayoutColorAttachment  ImageLayout = 2
	ImageLayoutShaderReadOnly   ImageLayout = 5
	ImageLayoutTransferSrc      ImageLayout = 6
	ImageLayoutTransferDst      ImageLayout = 7
	ImageLayoutPresentSrc       ImageLayout = 1000001002
)

// ImageUsage mirrors VkImageUsageFlagBits (a bitmask).
type ImageUsage uint32

const (
	ImageUsageTransferSrc ImageUsage = 1 << 0
	ImageUsageTransferDst ImageUsage = 1 << 1
	ImageUsageSampled     ImageUsage = 1 << 2
	ImageUsageStorage     ImageUsage = 1 << 3
	ImageUsageColorAttachment ImageUsage = 1 << 4
)

// Has reports whether all bits in required are set in u.
func (u ImageUsage) Has(required ImageUsage) bool {
	return u&required == required
}

// ExternalMemoryHandleType mirrors VkExternalMemoryHandleTypeFlagBits.
// Pyrofling only ever negotiates OPAQUE_FD.
type ExternalMemoryHandleType uint32

const (
	ExternalMemoryHandleTypeOpaqueFD   ExternalMemoryHandleType = 1 << 0
	ExternalMemoryHandleTypeHostAllocation ExternalMemoryHandleType = 1 << 7
)

// ExternalSemaphoreHandleType mirrors VkExternalSemaphoreHandleTypeFlagBits.
type ExternalSemaphoreHandleType uint32

const (
	ExternalSemaphoreHandleTypeOpaqueFD ExternalSemaphoreHandleType = 1 << 0
)

// QueueFamilyExternal is the sentinel VK_QUEUE_FAMILY_EXTERNAL value used
// as the source family in acquire barriers on imported images.
const QueueFamilyExternal uint32 = 0xFFFFFFFE

// KnownSRGBUnormPair reports the UNORM format that mutably aliases srgb,
// for the explicit-format-list construction in ImageGroup allocation.
func KnownSRGBUnormPair(srgb Format) (Format, bool) {
	switch srgb {
	case FormatB8G8R8A8Srgb:
		return FormatB8G8R8A8Unorm, true
	case FormatR8G8B8A8Srgb:
		return FormatR8G8B8A8Unorm, true
	default:
		return FormatUndefined, false
	}
}

// AcceptedColorSpace reports whether cs is one of the three color spaces
// the server's surface filter accepts.
func AcceptedColorSpace(cs ColorSpace) bool {
	switch cs {
	case ColorSpaceSRGBNonlinear, ColorSpaceHDR10ST2084, ColorSpaceExtendedSRGBLinear:
		return true
	default:
		return false
	}
}
