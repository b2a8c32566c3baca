package capture

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

// fenceReimportTimeout bounds how long ImportAcquirePayload waits for a
// pending fence before reimporting the acquire semaphore.
const fenceReimportTimeout = 5 * time.Second

// Image is one entry in the exportable image pool shared with the
// server. Fields track acquire/present handshake state across the
// event handling and present path.
type Image struct {
	Handle uint64
	MemFD  int

	AcquireSem uint64
	ReleaseSem uint64
	Fence      uint64

	Acquired           bool
	Ready              bool
	FencePending       bool
	LiveAcquirePayload bool
}

// Pool is the client's exportable-image pool bound to one ImageGroup
// generation.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	Serial uint64
	Width, Height uint32
	Format vkabi.Format
	Images []*Image
}

// NewPool creates an empty pool; call Reset once images are allocated.
func NewPool() *Pool {
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Reset replaces the pool's images under a new ImageGroup serial,
// discarding any prior generation.
func (p *Pool) Reset(serial uint64, width, height uint32, format vkabi.Format, images []*Image) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Serial = serial
	p.Width, p.Height, p.Format = width, height, format
	p.Images = images
	p.cond.Broadcast()
}

// MatchesGeometry reports whether the pool already covers this
// width/height/format combination.
func (p *Pool) MatchesGeometry(width, height uint32, format vkabi.Format) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Images) > 0 && p.Width == width && p.Height == height && p.Format == format
}

// MarkAcquired marks index acquired and clears its pending-fence flag
// without waiting on the fence.
func (p *Pool) MarkAcquired(index int, hasPayload bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.Images) {
		return
	}
	img := p.Images[index]
	img.Acquired = true
	img.FencePending = false
	img.LiveAcquirePayload = hasPayload
	p.cond.Broadcast()
}

// ImportAcquirePayload consumes the FD attached to an AcquireImage
// event: if semType is nonzero, fd is imported as a temporary binary
// semaphore payload on the image's acquire semaphore; otherwise, if fd
// is valid, it is a one-shot eventfd the layer reads once. Any pending
// fence is waited and reset first, since the image's last command
// buffer may still be in flight when the reimport would otherwise race
// it. index is then marked acquired.
func (p *Pool) ImportAcquirePayload(gpu GPU, index int, semType uint32, fd int) error {
	p.mu.Lock()
	if index < 0 || index >= len(p.Images) {
		p.mu.Unlock()
		if fd >= 0 {
			unix.Close(fd)
		}
		return nil
	}
	img := p.Images[index]
	fence := img.Fence
	fencePending := img.FencePending
	acquireSem := img.AcquireSem
	p.mu.Unlock()

	if fencePending {
		if _, err := gpu.WaitFence(fence, fenceReimportTimeout); err != nil {
			if fd >= 0 {
				unix.Close(fd)
			}
			return err
		}
		if err := gpu.ResetFence(fence); err != nil {
			if fd >= 0 {
				unix.Close(fd)
			}
			return err
		}
	}

	hasPayload := false
	if fd >= 0 {
		if semType != 0 {
			if err := gpu.ImportSemaphoreFD(acquireSem, fd); err != nil {
				return err
			}
			hasPayload = true
		} else {
			var buf [8]byte
			unix.Read(fd, buf[:])
			unix.Close(fd)
		}
	}

	p.mu.Lock()
	img.Acquired = true
	img.FencePending = false
	img.LiveAcquirePayload = hasPayload
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// MarkRetired marks index ready for reuse.
func (p *Pool) MarkRetired(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.Images) {
		return
	}
	p.Images[index].Ready = true
	p.cond.Broadcast()
}

// AcquireReady blocks until an image with Acquired && Ready is found, or
// the pool is reset to a new (empty) generation, in which case it
// returns (nil, 0, false).
func (p *Pool) AcquireReady() (*Image, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.Images) == 0 {
			return nil, 0, false
		}
		for i, img := range p.Images {
			if img.Acquired && img.Ready {
				img.Acquired = false
				img.Ready = false
				return img, i, true
			}
		}
		p.cond.Wait()
	}
}

// Broadcast wakes any goroutine blocked in AcquireReady, used when new
// events arrive on the session without a matching image becoming ready
// (e.g. to recheck after polling).
func (p *Pool) Broadcast() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}
