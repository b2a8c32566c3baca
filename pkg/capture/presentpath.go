package capture

import (
	"sync/atomic"
	"time"

	"github.com/Themaister/pyrofling/pkg/vkabi"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// PresentMode mirrors the subset of VkPresentModeKHR pyrofling's pacing
// logic distinguishes.
type PresentMode int

const (
	PresentModeFIFO PresentMode = iota
	PresentModeFIFORelaxed
	PresentModeMailbox
	PresentModeImmediate
)

// Presenter drives processPresent for one bound swapchain.
type Presenter struct {
	gpu     GPU
	pool    *Pool
	session *Session
	env     Env

	swapImageFamily atomic.Uint32
	nextPresentID   atomic.Uint64

	UsesKHRPresentWait bool
	Mode               PresentMode
}

// NewPresenter wires a Presenter to its GPU backend, image pool and
// control session.
func NewPresenter(gpu GPU, pool *Pool, session *Session, env Env) *Presenter {
	return &Presenter{gpu: gpu, pool: pool, session: session, env: env}
}

// Period selects the wire "period" value for this present.
func (p *Presenter) period() uint32 {
	switch p.env.Sync {
	case SyncServer:
		return 1
	case SyncClient:
		return 0
	default:
		if p.Mode == PresentModeFIFO || p.Mode == PresentModeFIFORelaxed {
			return 1
		}
		return 0
	}
}

// ProcessPresent drives one present attempt end to end, returning
// (skip, err): skip is true when the frame was silently dropped (no
// image obtained but the native present should still report success).
func (p *Presenter) ProcessPresent(swapImage uint64, oldLayout, newLayout vkabi.ImageLayout) (skip bool, err error) {
	// Step 1: reconnect with backoff if the session is down.
	if !p.session.Connected() {
		if p.session.ShouldRetryConnect() {
			if err := p.session.Connect(); err != nil {
				return true, nil
			}
		} else {
			return true, nil
		}
	}

	// Step 2: drain pending events non-blocking.
	p.session.Poll()

	// Step 3: acquire an image that is both Acquired and Ready.
	img, index, ok := p.pool.AcquireReady()
	if !ok {
		return true, nil
	}

	// Step 4: consume a live imported acquire payload with a no-op wait.
	if img.LiveAcquirePayload {
		if _, err := p.gpu.WaitFence(img.Fence, 0); err != nil {
			return false, err
		}
		img.LiveAcquirePayload = false
	}

	// Steps 5-7: record the blit and submit, signalling the release
	// semaphore and fence.
	if err := p.gpu.RecordAndSubmitBlit(swapImage, img.Handle, oldLayout, newLayout, img.ReleaseSem, img.Fence); err != nil {
		return false, err
	}
	img.FencePending = true

	// Step 8: export the release semaphore and build the PresentImage
	// message.
	semFD, err := p.gpu.ExportSemaphoreFD(img.ReleaseSem)
	if err != nil {
		return false, err
	}

	presentID := p.nextPresentID.Add(1)
	msg := wire.PresentImage{
		GroupSerial: p.pool.Serial,
		ImageIndex:  uint32(index),
		SemType:     uint32(vkabi.ExternalSemaphoreHandleTypeOpaqueFD),
		OldLayout:   uint32(oldLayout),
		NewLayout:   uint32(newLayout),
		PresentID:   presentID,
		Period:      p.period(),
	}

	// Step 10: record the wait pair before sending, then send.
	p.session.RecordWaitPair(presentID, presentID)
	if err := p.session.SendPresentImage(msg, semFD); err != nil {
		return false, err
	}
	img.Acquired = false
	img.Ready = false

	// Step 11: pacing against the server's completion feedback.
	if p.period() > 0 && !p.UsesKHRPresentWait {
		numImages := uint64(len(p.pool.Images))
		for presentID > p.session.CompletedPyroID()+numImages-2 {
			time.Sleep(time.Millisecond)
		}
	}

	return false, nil
}
