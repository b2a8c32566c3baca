package crosswsi

import (
	"fmt"
	"sync"
	"time"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

// workItem is one presenter-thread job: the image produced a completed
// source-side blit and is ready for the sink side to pick up.
type workItem struct {
	index     int
	presentID uint64
}

// Swapchain virtualizes a single VkSwapchainKHR across the source/sink
// pair.
type Swapchain struct {
	source *SourceDevice
	sink   *SinkDevice

	Width, Height uint32
	Format        vkabi.Format

	images []*Image

	acquire *AcquireQueue

	mu              sync.Mutex
	submitCount     uint64
	processedSource uint64
	quiescentWaiters []chan struct{}

	workMu   sync.Mutex
	workCond *sync.Cond
	work     []workItem
	retired  bool

	sinkQueueMu sync.Mutex

	wg sync.WaitGroup
}

// NewSwapchain creates the virtual swapchain and pre-acquires the
// forward-progress budget of sink images.
func NewSwapchain(source *SourceDevice, sink *SinkDevice, width, height uint32, format vkabi.Format, count int) (*Swapchain, error) {
	s := &Swapchain{
		source:  source,
		sink:    sink,
		Width:   width,
		Height:  height,
		Format:  format,
		acquire: NewAcquireQueue(),
	}
	s.workCond = sync.NewCond(&s.workMu)

	for i := 0; i < count; i++ {
		img, err := s.createImage()
		if err != nil {
			s.releaseImages()
			return nil, fmt.Errorf("crosswsi: create image %d: %w", i, err)
		}
		s.images = append(s.images, img)
	}

	budget := forwardProgressBudget(count, int(sink.MinImageCount()))
	for i := 0; i < budget; i++ {
		s.acquire.Push(i % count)
	}

	s.wg.Add(1)
	go s.presenterLoop()

	return s, nil
}

// forwardProgressBudget is count - minImageCount + 1, bounded below by
// 1 and above by count.
func forwardProgressBudget(count, minImageCount int) int {
	budget := count - minImageCount + 1
	if budget < 1 {
		budget = 1
	}
	if budget > count {
		budget = count
	}
	return budget
}

func (s *Swapchain) createImage() (*Image, error) {
	img := &Image{}

	sourceImage, err := s.source.CreateTransferImage(s.Width, s.Height, s.Format)
	if err != nil {
		return nil, err
	}
	img.SourceImage = sourceImage

	linearSize := AlignStaging(uint64(s.Width) * uint64(s.Height) * 4)
	sourceBuffer, hostHandle, err := s.source.CreateHostStagingBuffer(linearSize)
	if err != nil {
		return nil, err
	}
	img.SourceBuffer = sourceBuffer

	sinkBuffer, err := s.sink.ImportHostBuffer(hostHandle, linearSize)
	if err != nil {
		return nil, err
	}
	img.SinkBuffer = sinkBuffer

	if img.SourceFence, err = s.source.CreateFence(); err != nil {
		return nil, err
	}
	if img.SinkAcquireFence, err = s.sink.CreateFence(); err != nil {
		return nil, err
	}
	if img.SinkReleaseSem, err = s.sink.CreateSemaphore(); err != nil {
		return nil, err
	}
	if img.SourceAcquireSem, err = s.source.CreateExportableSemaphore(); err != nil {
		return nil, err
	}
	if err = s.source.SignalSemaphoreOnce(img.SourceAcquireSem); err != nil {
		return nil, err
	}

	if img.SinkImage, err = s.sink.AcquireSwapchainImage(img.SinkAcquireFence); err != nil {
		return nil, err
	}

	return img, nil
}

// Acquire implements AcquireNextImageKHR emulation: returns the head of the acquire queue plus temporary-import
// FDs for the caller's semaphore and fence.
func (s *Swapchain) Acquire(timeout time.Duration) (index int, semaphoreFD, fenceFD int, err error) {
	if st := s.acquire.Status(); st != StatusOK {
		return 0, -1, -1, statusError(st)
	}

	idx, ok := s.acquire.Pop(timeout)
	if !ok {
		if st := s.acquire.Status(); st != StatusOK {
			return 0, -1, -1, statusError(st)
		}
		return 0, -1, -1, ErrTimeout
	}

	img := s.images[idx]
	semFD, err := s.source.ExportSemaphoreFD(img.SourceAcquireSem)
	if err != nil {
		return 0, -1, -1, err
	}

	fence, err := s.source.CreateExportableSignalledFence()
	if err != nil {
		return 0, -1, -1, err
	}
	fenceFD, err = s.source.ExportFenceFD(fence)
	if err != nil {
		return 0, -1, -1, err
	}

	return idx, semFD, fenceFD, nil
}

// QueuePresent drains the caller's wait semaphores with a dummy
// submit, submits the source-side blit re-signalling the acquire
// semaphore and the source fence, then enqueues the sink-side work
// item.
func (s *Swapchain) QueuePresent(index int, waitSems []uint64, presentID uint64) error {
	if index < 0 || index >= len(s.images) {
		return fmt.Errorf("crosswsi: present index %d out of range", index)
	}
	img := s.images[index]

	if len(waitSems) > 0 {
		if err := s.source.DummySubmit(waitSems); err != nil {
			return err
		}
	}

	cmdBuf, err := s.source.RecordBlitToHost(img.SourceImage, img.SourceBuffer)
	if err != nil {
		return err
	}
	if err := s.source.Submit(cmdBuf, 0, img.SourceAcquireSem, img.SourceFence); err != nil {
		return err
	}

	s.mu.Lock()
	s.submitCount++
	s.mu.Unlock()

	s.enqueueWork(workItem{index: index, presentID: presentID})
	return nil
}

func (s *Swapchain) enqueueWork(w workItem) {
	s.workMu.Lock()
	s.work = append(s.work, w)
	s.workCond.Signal()
	s.workMu.Unlock()
}

// ReleaseSwapchainImages implements vkReleaseSwapchainImagesEXT: reinstalls a fresh signalled
// exportable acquire semaphore and pushes the index back onto the
// acquire queue.
func (s *Swapchain) ReleaseSwapchainImages(indices []int) error {
	for _, idx := range indices {
		if idx < 0 || idx >= len(s.images) {
			return fmt.Errorf("crosswsi: release index %d out of range", idx)
		}
		img := s.images[idx]
		s.source.DestroySemaphore(img.SourceAcquireSem)
		sem, err := s.source.CreateExportableSemaphore()
		if err != nil {
			return err
		}
		if err := s.source.SignalSemaphoreOnce(sem); err != nil {
			return err
		}
		img.SourceAcquireSem = sem
		s.acquire.Push(idx)
	}
	return nil
}

// WaitQuiescent blocks until processed_source_count has caught up with
// the submit count observed at call time, or the timeout expires.
func (s *Swapchain) WaitQuiescent(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	target := s.submitCount
	for s.processedSource < target {
		ch := make(chan struct{})
		s.quiescentWaiters = append(s.quiescentWaiters, ch)
		s.mu.Unlock()

		select {
		case <-ch:
		case <-time.After(time.Until(deadline)):
			return false
		}
		s.mu.Lock()
	}
	s.mu.Unlock()
	return true
}

func (s *Swapchain) notifyQuiescent() {
	s.mu.Lock()
	waiters := s.quiescentWaiters
	s.quiescentWaiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Retire tears the swapchain down: marks it retired, wakes the
// presenter worker, joins it, then destroys every image. Sink images
// that are currently acquired are not released back to the sink
// swapchain.
func (s *Swapchain) Retire() {
	s.workMu.Lock()
	s.retired = true
	s.workCond.Broadcast()
	s.workMu.Unlock()

	s.acquire.SetStatus(StatusLost)
	s.wg.Wait()

	s.releaseImages()
}

func (s *Swapchain) releaseImages() {
	for _, img := range s.images {
		if img == nil {
			continue
		}
		s.source.DestroyImage(img.SourceImage)
		s.source.DestroyBuffer(img.SourceBuffer)
		s.sink.DestroyBuffer(img.SinkBuffer)
		s.source.DestroyFence(img.SourceFence)
		s.sink.DestroyFence(img.SinkAcquireFence)
		s.sink.DestroySemaphore(img.SinkReleaseSem)
		s.source.DestroySemaphore(img.SourceAcquireSem)
	}
	s.images = nil
}

func statusError(s Status) error {
	switch s {
	case StatusSuboptimal:
		return ErrSuboptimal
	case StatusOutOfDate:
		return ErrOutOfDate
	case StatusLost:
		return ErrSurfaceLost
	default:
		return nil
	}
}
