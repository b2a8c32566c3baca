package crosswsi

import (
	"testing"
	"time"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

func TestAlignStaging(t *testing.T) {
	cases := []struct{ in, want uint64 }{
		{0, 0},
		{1, stagingAlignment},
		{stagingAlignment, stagingAlignment},
		{stagingAlignment + 1, 2 * stagingAlignment},
	}
	for _, c := range cases {
		if got := AlignStaging(c.in); got != c.want {
			t.Errorf("AlignStaging(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestForwardProgressBudget(t *testing.T) {
	cases := []struct{ count, minImages, want int }{
		{3, 2, 2},
		{3, 3, 1},
		{3, 5, 1},
		{4, 2, 3},
	}
	for _, c := range cases {
		if got := forwardProgressBudget(c.count, c.minImages); got != c.want {
			t.Errorf("forwardProgressBudget(%d,%d) = %d, want %d", c.count, c.minImages, got, c.want)
		}
	}
}

func TestFilterDeviceExtensionsDropsBlockedKeepsMirrored(t *testing.T) {
	in := []string{
		"VK_KHR_swapchain",
		"VK_EXT_display_swapchain",
		"VK_KHR_present_id",
		"VK_EXT_some_unrelated_extension",
		"VK_EXT_full_screen_exclusive",
	}
	out := FilterDeviceExtensions(in)
	want := map[string]bool{"VK_KHR_swapchain": true, "VK_KHR_present_id": true}
	if len(out) != len(want) {
		t.Fatalf("unexpected extension set: %v", out)
	}
	for _, e := range out {
		if !want[e] {
			t.Errorf("extension %q should have been dropped", e)
		}
	}
}

func TestMatchDevice(t *testing.T) {
	names := []string{"AMD Radeon RX 7900", "NVIDIA GeForce RTX 4090"}
	if idx := MatchDevice(names, "NVIDIA"); idx != 1 {
		t.Fatalf("expected index 1, got %d", idx)
	}
	if idx := MatchDevice(names, "Intel"); idx != -1 {
		t.Fatalf("expected -1, got %d", idx)
	}
}

func TestAcquireQueuePopBlocksUntilPush(t *testing.T) {
	q := NewAcquireQueue()
	done := make(chan int)
	go func() {
		idx, ok := q.Pop(time.Second)
		if !ok {
			done <- -1
			return
		}
		done <- idx
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(7)

	select {
	case idx := <-done:
		if idx != 7 {
			t.Fatalf("expected 7, got %d", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop never returned")
	}
}

func TestAcquireQueueTimesOut(t *testing.T) {
	q := NewAcquireQueue()
	_, ok := q.Pop(30 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout")
	}
}

func TestAcquireQueueStatusWakesWaiters(t *testing.T) {
	q := NewAcquireQueue()
	done := make(chan bool)
	go func() {
		_, ok := q.Pop(2 * time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.SetStatus(StatusOutOfDate)

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Pop to fail after status change")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop never woke on status change")
	}
}

func newFakeDevices(t *testing.T) (*SourceDevice, *SinkDevice) {
	t.Helper()
	var handle uint64 = 1
	next := func() uint64 { handle++; return handle }

	src := &SourceDevice{
		CreateTransferImage:     func(w, h uint32, f vkabi.Format) (uint64, error) { return next(), nil },
		CreateHostStagingBuffer: func(size uint64) (uint64, uintptr, error) { return next(), uintptr(next()), nil },
		RecordBlitToHost:        func(image, buffer uint64) (uint64, error) { return next(), nil },
		CreateExportableSemaphore: func() (uint64, error) { return next(), nil },
		SignalSemaphoreOnce:       func(sem uint64) error { return nil },
		ExportSemaphoreFD:         func(sem uint64) (int, error) { return 3, nil },
		ExportFenceFD:             func(fence uint64) (int, error) { return 4, nil },
		CreateExportableSignalledFence: func() (uint64, error) { return next(), nil },
		CreateFence: func() (uint64, error) { return next(), nil },
		WaitFence:   func(fence uint64, timeout time.Duration) (bool, error) { return true, nil },
		ResetFence:  func(fence uint64) error { return nil },
		Submit:      func(cmdBuf, waitSem, signalSem, fence uint64) error { return nil },
		DummySubmit: func(waitSems []uint64) error { return nil },
		DestroyImage: func(uint64) {}, DestroyBuffer: func(uint64) {},
		DestroySemaphore: func(uint64) {}, DestroyFence: func(uint64) {},
	}

	sink := &SinkDevice{
		ImportHostBuffer: func(h uintptr, size uint64) (uint64, error) { return next(), nil },
		AcquireSwapchainImage: func(fence uint64) (uint64, error) {
			return next(), nil
		},
		RecordBlitFromHost: func(buffer, image uint64) (uint64, error) { return next(), nil },
		SubmitAndPresent:   func(cmdBuf, releaseSem uint64, index int, presentID uint64) error { return nil },
		CreateFence:        func() (uint64, error) { return next(), nil },
		WaitFence:          func(fence uint64, timeout time.Duration) (bool, error) { return true, nil },
		ResetFence:         func(fence uint64) error { return nil },
		CreateSemaphore:    func() (uint64, error) { return next(), nil },
		MinImageCount:      func() uint32 { return 2 },
		DestroyImage:       func(uint64) {}, DestroyBuffer: func(uint64) {},
		DestroySemaphore: func(uint64) {}, DestroyFence: func(uint64) {},
	}

	return src, sink
}

func TestSwapchainPresentRoundTrip(t *testing.T) {
	src, sink := newFakeDevices(t)
	sc, err := NewSwapchain(src, sink, 1280, 720, vkabi.FormatB8G8R8A8Unorm, 3)
	if err != nil {
		t.Fatalf("NewSwapchain: %v", err)
	}

	idx, semFD, fenceFD, err := sc.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if semFD < 0 || fenceFD < 0 {
		t.Fatalf("expected valid exported FDs, got sem=%d fence=%d", semFD, fenceFD)
	}

	if err := sc.QueuePresent(idx, nil, 1); err != nil {
		t.Fatalf("QueuePresent: %v", err)
	}

	if !sc.WaitQuiescent(2 * time.Second) {
		t.Fatal("swapchain never went quiescent")
	}

	if err := sc.ReleaseSwapchainImages([]int{idx}); err != nil {
		t.Fatalf("ReleaseSwapchainImages: %v", err)
	}

	sc.Retire()
}
