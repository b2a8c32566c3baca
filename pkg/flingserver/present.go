package flingserver

import (
	"fmt"

	"github.com/Themaister/pyrofling/pkg/vkabi"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// processPresent runs the present path once staleness, range, and
// monotonicity checks have already passed in handlePresentImage: import
// the release semaphore, record the acquire barrier, optionally copy
// across devices, then submit a fence and queue the present.
func processPresent(c *Client, group *ImageGroup, p wire.PresentImage, releaseSemFD int, crossDevice bool) error {
	gpu := c.srv.gpu
	img := group.Images[p.ImageIndex]
	frame := group.Frames[p.ImageIndex]

	waitSem, err := gpu.ImportSemaphoreTemporary(releaseSemFD)
	if err != nil {
		return fmt.Errorf("flingserver: import release semaphore: %w", err)
	}

	cmdBufs := make([]uint64, 0, 2)

	barrier, err := gpu.RecordAcquireBarrier(img.Handle, vkabi.ImageLayout(p.OldLayout), vkabi.ImageLayout(p.NewLayout), crossDevice)
	if err != nil {
		return fmt.Errorf("flingserver: record acquire barrier: %w", err)
	}
	cmdBufs = append(cmdBufs, barrier)

	if crossDevice {
		copyBuf, err := gpu.RecordCrossDeviceCopy(img.Handle, img.hostStagingBuffer)
		if err != nil {
			return fmt.Errorf("flingserver: record cross-device copy: %w", err)
		}
		cmdBufs = append(cmdBufs, copyBuf)

		if img.memcpyFallback {
			gpu.MemcpyFallback(img.sourceHostHandle, img.sourceHostHandle, 0)
		}
	}

	fence, err := gpu.CreateFence()
	if err != nil {
		return fmt.Errorf("flingserver: create present fence: %w", err)
	}
	if err := gpu.Submit(cmdBufs, waitSem, fence); err != nil {
		gpu.DestroyFence(fence)
		return fmt.Errorf("flingserver: submit present: %w", err)
	}

	frame.State = FramePresentQueued
	frame.PresentID = p.PresentID
	frame.Period = p.Period
	frame.Fence = fence
	frame.TargetTimestamp = c.srv.scheduler.deriveTargetTimestamp(group)

	c.srv.fencePool.Submit(FenceJob{Client: c, Index: int(p.ImageIndex), Fence: fence})
	return nil
}
