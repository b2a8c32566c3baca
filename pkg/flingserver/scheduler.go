package flingserver

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Themaister/pyrofling/pkg/encoder"
	"github.com/Themaister/pyrofling/pkg/vblank"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// encodeRingDepth is the concurrent encode-task ring size.
const encodeRingDepth = 8

// clientGroup pairs a registered client with one of its image groups,
// the unit the scheduler selects frames from at each vblank.
type clientGroup struct {
	client *Client
	group  *ImageGroup
}

// Scheduler drives present promotion and encode dispatch off the
// virtual vblank.
type Scheduler struct {
	log   zerolog.Logger
	gpu   *EncodeGPU
	sink  encoder.Sink
	vstate *vblank.State

	clientRateMultiplier int
	vblankCount           uint64

	mu      sync.Mutex
	current uint64
	groups  []clientGroup

	ring      [encodeRingDepth]chan struct{}
	ringIndex int

	audioVblankUs int64

	StalledFrames uint64
	DroppedFrames uint64

	observer atomic.Value // func(DebugEvent)
}

// DebugEvent is one frame-state transition, reported to whatever
// SetObserver installs (pkg/flingserver/debugws's --debug-ws endpoint).
type DebugEvent struct {
	ClientFD    int
	GroupSerial uint64
	ImageIndex  int
	PresentID   uint64
	State       string
}

// SetObserver installs fn to be called on every frame-state transition
// Tick drives. fn must return quickly; it runs on the dispatcher's
// single event-loop goroutine.
func (s *Scheduler) SetObserver(fn func(DebugEvent)) {
	s.observer.Store(fn)
}

func (s *Scheduler) emit(ev DebugEvent) {
	if fn, ok := s.observer.Load().(func(DebugEvent)); ok && fn != nil {
		fn(ev)
	}
}

// NewScheduler creates a scheduler that feeds sink one encoder frame
// every clientRateMultiplier vblanks.
func NewScheduler(gpu *EncodeGPU, sink encoder.Sink, vstate *vblank.State, clientRateMultiplier int, log zerolog.Logger) *Scheduler {
	if clientRateMultiplier < 1 {
		clientRateMultiplier = 1
	}
	s := &Scheduler{
		log:                   log,
		gpu:                   gpu,
		sink:                  sink,
		vstate:                vstate,
		clientRateMultiplier:  clientRateMultiplier,
		audioVblankUs:         vstate.TimebaseNS / 1000,
	}
	for i := range s.ring {
		s.ring[i] = make(chan struct{}, 1)
		s.ring[i] <- struct{}{} // every slot starts idle/available
	}
	return s
}

func (s *Scheduler) registerGroup(c *Client, g *ImageGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cg := range s.groups {
		if cg.client == c {
			s.groups[i] = clientGroup{client: c, group: g}
			return
		}
	}
	s.groups = append(s.groups, clientGroup{client: c, group: g})
}

func (s *Scheduler) removeClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.groups[:0]
	for _, cg := range s.groups {
		if cg.client != c {
			kept = append(kept, cg)
		}
	}
	s.groups = kept
}

// deriveTargetTimestamp is scoped to group's own in-flight frames: each
// client's swapchain paces independently against the shared vblank
// clock.
func (s *Scheduler) deriveTargetTimestamp(group *ImageGroup) uint64 {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	return deriveTargetTimestamp(current, group.Frames)
}

// MarkReady promotes imageIndex in client's active group to
// PresentReady, called from the dispatcher after FenceWaitPool reports
// the present fence signalled.
func (s *Scheduler) MarkReady(c *Client, imageIndex int) {
	s.mu.Lock()
	var emitGroup uint64
	var emitPresentID uint64
	shouldEmit := false
	for _, cg := range s.groups {
		if cg.client == c && imageIndex < len(cg.group.Frames) {
			f := cg.group.Frames[imageIndex]
			if f.State == FramePresentQueued {
				f.State = FramePresentReady
				emitGroup = cg.group.Serial
				emitPresentID = f.PresentID
				shouldEmit = true
			}
			break
		}
	}
	s.mu.Unlock()

	if shouldEmit {
		s.emit(DebugEvent{ClientFD: c.FD(), GroupSerial: emitGroup, ImageIndex: imageIndex, PresentID: emitPresentID, State: FramePresentReady.String()})
	}
}

// Tick runs one virtual vblank: advances the clock, selects the
// highest-present-id qualifying frame per client group, promotes it to
// PresentComplete with a FrameComplete/AcquireImage/RetireImage
// sequence, and, once every clientRateMultiplier vblanks, dispatches
// one encode task.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.current++
	current := s.current
	groups := append([]clientGroup(nil), s.groups...)
	s.mu.Unlock()

	anyPromoted := false
	var composeImage uint64
	haveSurface := false
	var winningImageCount int
	var winningPeriod uint32

	for _, cg := range groups {
		winner, obsoleted := selectPresentWinner(cg.group.Frames, current)
		if winner == nil {
			continue
		}
		anyPromoted = true
		s.promote(cg.client, cg.group, winner, obsoleted)

		if !haveSurface {
			composeImage = cg.group.Images[winner.Index].Handle
			haveSurface = true
			winningImageCount = len(cg.group.Images)
			winningPeriod = winner.Period
		}
	}

	if !anyPromoted {
		s.StalledFrames++
	}

	s.vblankCount++
	if s.vblankCount%uint64(s.clientRateMultiplier) != 0 {
		return
	}

	s.dispatchEncode(composeImage, haveSurface, winningImageCount, winningPeriod)
}

// selectPresentWinner picks, among PresentReady/Complete frames whose
// target_timestamp <= current, the one with the highest present id;
// every other qualifying frame older than the winner is obsoleted.
func selectPresentWinner(frames []*Frame, current uint64) (winner *Frame, obsoleted []*Frame) {
	for _, f := range frames {
		if f.State != FramePresentReady && f.State != FramePresentComplete {
			continue
		}
		if f.TargetTimestamp > current {
			continue
		}
		if winner == nil || f.PresentID > winner.PresentID {
			if winner != nil {
				obsoleted = append(obsoleted, winner)
			}
			winner = f
		} else {
			obsoleted = append(obsoleted, f)
		}
	}
	return winner, obsoleted
}

func (s *Scheduler) promote(c *Client, group *ImageGroup, winner *Frame, obsoleted []*Frame) {
	winner.State = FramePresentComplete
	s.emit(DebugEvent{ClientFD: c.FD(), GroupSerial: group.Serial, ImageIndex: winner.Index, PresentID: winner.PresentID, State: FramePresentComplete.String()})

	fc := wire.FrameComplete{
		PresentedPyroID: winner.PresentID,
		GroupSerial:     group.Serial,
	}
	c.sendEvent(wire.TypeFrameComplete, fc.Marshal(), nil)

	for _, f := range obsoleted {
		img := group.Images[f.Index]
		acquireFDs := []int(nil)
		semType := uint32(0)
		if img.lastReadSem != 0 {
			if fd, err := s.gpu.ExportLastReadSemaphore(img.lastReadSem); err == nil {
				acquireFDs = []int{fd}
				semType = 1
			}
		}
		ac := wire.AcquireImage{ImageIndex: uint32(f.Index), SemType: semType, BodySerial: group.Serial}
		c.sendEvent(wire.TypeAcquireImage, ac.Marshal(), acquireFDs)

		rt := wire.RetireImage{ImageIndex: uint32(f.Index), BodySerial: group.Serial}
		c.sendEvent(wire.TypeRetireImage, rt.Marshal(), nil)

		f.State = FrameClientOwned
		s.emit(DebugEvent{ClientFD: c.FD(), GroupSerial: group.Serial, ImageIndex: f.Index, PresentID: f.PresentID, State: FrameClientOwned.String()})
	}
}

// dispatchEncode composes the winning surface (or a dummy color if
// none), then runs encoder.Sink.EncodeFrame on the next ring slot,
// chained after the previous slot via the channel each slot holds.
// Audio PTS is compensated by (num_images - 1) * period * vblank_us so
// audio stays aligned with video queued earlier.
func (s *Scheduler) dispatchEncode(image uint64, haveSurface bool, imageCount int, period uint32) {
	if err := s.gpu.ComposeSurface(image, haveSurface); err != nil {
		s.log.Warn().Err(err).Msg("flingserver: compose failed")
		return
	}

	slot := s.ringIndex
	s.ringIndex = (s.ringIndex + 1) % encodeRingDepth

	select {
	case <-s.ring[slot]:
	default:
		s.StalledFrames++
		return
	}

	pts := s.current
	var audioCompensationUs int64
	if imageCount > 0 {
		audioCompensationUs = int64(imageCount-1) * int64(period) * s.audioVblankUs
	}

	go func() {
		defer func() { s.ring[slot] <- struct{}{} }()
		if err := s.sink.EncodeFrame(pts, audioCompensationUs); err != nil {
			s.log.Warn().Err(err).Msg("flingserver: encode frame failed")
		}
	}()
}
