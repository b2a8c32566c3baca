package crosswsi

import "time"

const fenceWaitTimeout = 2 * time.Second

// presenterLoop is the per-swapchain worker thread. It drains the work queue populated by
// QueuePresent, relaying each completed source-side blit to the sink
// swapchain and re-arming the image for another acquire.
func (s *Swapchain) presenterLoop() {
	defer s.wg.Done()

	for {
		item, ok := s.nextWork()
		if !ok {
			return
		}
		if err := s.servicePresent(item); err != nil {
			s.failStatus(err)
			return
		}
	}
}

func (s *Swapchain) nextWork() (workItem, bool) {
	s.workMu.Lock()
	defer s.workMu.Unlock()
	for len(s.work) == 0 && !s.retired {
		s.workCond.Wait()
	}
	if len(s.work) == 0 {
		return workItem{}, false
	}
	w := s.work[0]
	s.work = s.work[1:]
	return w, true
}

func (s *Swapchain) servicePresent(item workItem) error {
	img := s.images[item.index]

	if _, err := s.source.WaitFence(img.SourceFence, fenceWaitTimeout); err != nil {
		return err
	}
	if err := s.source.ResetFence(img.SourceFence); err != nil {
		return err
	}

	s.mu.Lock()
	s.processedSource++
	s.mu.Unlock()
	s.notifyQuiescent()

	if _, err := s.sink.WaitFence(img.SinkAcquireFence, fenceWaitTimeout); err != nil {
		return err
	}
	if err := s.sink.ResetFence(img.SinkAcquireFence); err != nil {
		return err
	}

	cmdBuf, err := s.sink.RecordBlitFromHost(img.SinkBuffer, img.SinkImage)
	if err != nil {
		return err
	}

	s.sinkQueueMu.Lock()
	err = s.sink.SubmitAndPresent(cmdBuf, img.SinkReleaseSem, item.index, item.presentID)
	s.sinkQueueMu.Unlock()
	if err != nil {
		return err
	}

	img.processedSourceCount++

	nextImage, err := s.sink.AcquireSwapchainImage(img.SinkAcquireFence)
	if err != nil {
		return err
	}
	img.SinkImage = nextImage
	s.acquire.Push(item.index)

	return nil
}

func (s *Swapchain) failStatus(err error) {
	status := StatusLost
	switch err {
	case ErrOutOfDate:
		status = StatusOutOfDate
	case ErrSuboptimal:
		status = StatusSuboptimal
	}
	s.acquire.SetStatus(status)
}
