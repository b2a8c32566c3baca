// Package capture implements the client-side half of pyrofling's WSI
// interposition layer: the loader-visible shim that intercepts
// instance/device creation and vkQueuePresentKHR, maintains a pool of
// exportable images shared with the streaming server, and drives the
// control-plane session (pkg/ipc, pkg/wire) that exchanges those images'
// file descriptors and framebuffer events with the server.
//
// The actual Vulkan entry points a real interposition layer intercepts
// are represented here by the GPU interface (present.go): this package
// owns the session/pool/event state machine and delegates every real
// GPU operation (image/semaphore creation, barrier recording,
// submission) to whatever concrete driver backs GPU, a cgo Vulkan
// loader binding in a full build, a fake in tests.
package capture

import (
	"os"
	"strconv"
	"strings"
)

// SyncMode selects who paces presentation: the server (virtual vblank)
// or the client (native present mode), per PYROFLING_SYNC.
type SyncMode int

const (
	SyncDefault SyncMode = iota
	SyncServer
	SyncClient
)

// Env holds the capture layer's environment-variable configuration.
type Env struct {
	Sync           SyncMode
	ForcedImages   uint32 // 0 means "use the default of 3"
	SocketPath     string
	ForceColorSpace string // "HDR10", "scRGB", a decimal VkColorSpaceKHR, or ""
}

// LoadEnv reads PYROFLING_SYNC, PYROFLING_IMAGES, PYROFLING_SERVER and
// PYROFLING_FORCE_VK_COLOR_SPACE from the process environment.
func LoadEnv() Env {
	e := Env{SocketPath: "/tmp/pyrofling-socket"}

	switch strings.ToLower(os.Getenv("PYROFLING_SYNC")) {
	case "server":
		e.Sync = SyncServer
	case "client":
		e.Sync = SyncClient
	default:
		e.Sync = SyncDefault
	}

	if v := os.Getenv("PYROFLING_IMAGES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n >= 2 {
			e.ForcedImages = uint32(n)
		}
	}

	if v := os.Getenv("PYROFLING_SERVER"); v != "" {
		e.SocketPath = v
	}

	e.ForceColorSpace = os.Getenv("PYROFLING_FORCE_VK_COLOR_SPACE")
	return e
}

// ImageCount returns the number of exportable images to allocate: the
// env override if set, otherwise the default of 3.
func (e Env) ImageCount() uint32 {
	if e.ForcedImages >= 2 {
		return e.ForcedImages
	}
	return 3
}
