package capture

import (
	"sync"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

// SurfaceFormat pairs a format with the color space the application
// proposed it under, the shape vkGetPhysicalDeviceSurfaceFormats[2]KHR
// reports.
type SurfaceFormat struct {
	Format     vkabi.Format
	ColorSpace vkabi.ColorSpace
}

// FilterSurfaceFormats keeps only the color spaces the server accepts.
func FilterSurfaceFormats(in []SurfaceFormat) []SurfaceFormat {
	out := in[:0]
	for _, f := range in {
		if vkabi.AcceptedColorSpace(f.ColorSpace) {
			out = append(out, f)
		}
	}
	return out
}

// SurfaceState tracks the single active swapchain a surface may host at
// a time.
type SurfaceState struct {
	Binding   *Binding
	Presenter *Presenter
}

// SurfaceRegistry is the layer-wide map from surface handle to state,
// guarded by a single lock held only across short sections.
type SurfaceRegistry struct {
	mu       sync.Mutex
	surfaces map[uint64]*SurfaceState
}

// NewSurfaceRegistry creates an empty registry.
func NewSurfaceRegistry() *SurfaceRegistry {
	return &SurfaceRegistry{surfaces: make(map[uint64]*SurfaceState)}
}

// CreateSwapchain installs (replacing any prior) SurfaceState for
// surface, releasing the old binding's images first.
func (r *SurfaceRegistry) CreateSwapchain(surface uint64, state *SurfaceState) {
	r.mu.Lock()
	old, ok := r.surfaces[surface]
	r.surfaces[surface] = state
	r.mu.Unlock()

	if ok && old.Binding != nil {
		old.Binding.releaseImages()
	}
}

// Lookup returns the SurfaceState for surface, if any.
func (r *SurfaceRegistry) Lookup(surface uint64) (*SurfaceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[surface]
	return s, ok
}

// Remove drops surface's state entirely (surface destroyed).
func (r *SurfaceRegistry) Remove(surface uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.surfaces, surface)
}
