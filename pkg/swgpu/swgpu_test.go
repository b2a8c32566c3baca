package swgpu

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/vkabi"
)

func memFD(t *testing.T, size int) int {
	t.Helper()
	fd, err := unix.MemfdCreate("swgpu-test", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	return fd
}

func TestImportImageAndComposeSurface(t *testing.T) {
	sw := New(4, 4)
	gpu := sw.EncodeGPU()

	size := 4 * 4 * BytesPerPixel(vkabi.FormatB8G8R8A8Unorm)
	fd := memFD(t, size)

	image, err := gpu.ImportImage(fd, 4, 4, vkabi.FormatB8G8R8A8Unorm, vkabi.ImageUsageSampled, nil)
	if err != nil {
		t.Fatalf("ImportImage: %v", err)
	}

	if err := gpu.ComposeSurface(image, true); err != nil {
		t.Fatalf("ComposeSurface: %v", err)
	}
	if err := gpu.ComposeSurface(image, false); err != nil {
		t.Fatalf("ComposeSurface dummy: %v", err)
	}
	for _, b := range sw.ComposedFrame() {
		if b != 0 {
			t.Fatalf("expected blank composition target, found non-zero byte")
		}
	}
}

func TestSubmitRunsRecordedOpsAndSignalsFence(t *testing.T) {
	sw := New(2, 2)
	gpu := sw.EncodeGPU()

	image, err := gpu.ImportImage(memFD(t, 2*2*4), 2, 2, vkabi.FormatB8G8R8A8Unorm, vkabi.ImageUsageSampled, nil)
	if err != nil {
		t.Fatalf("ImportImage: %v", err)
	}

	hostBuf, _, err := gpu.CreateHostStagingBuffer(2 * 2 * 4)
	if err != nil {
		t.Fatalf("CreateHostStagingBuffer: %v", err)
	}

	cmdBuf, err := gpu.RecordCrossDeviceCopy(image, hostBuf)
	if err != nil {
		t.Fatalf("RecordCrossDeviceCopy: %v", err)
	}

	fence, err := gpu.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence: %v", err)
	}

	if err := gpu.Submit([]uint64{cmdBuf}, 0, fence); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	signaled, err := gpu.WaitFence(fence, time.Second)
	if err != nil {
		t.Fatalf("WaitFence: %v", err)
	}
	if !signaled {
		t.Fatal("expected fence to be signaled after Submit")
	}
}

func TestWaitFenceTimesOutWhenNeverSubmitted(t *testing.T) {
	sw := New(2, 2)
	gpu := sw.EncodeGPU()

	fence, err := gpu.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence: %v", err)
	}
	signaled, err := gpu.WaitFence(fence, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitFence: %v", err)
	}
	if signaled {
		t.Fatal("fence should not be signaled without a Submit")
	}
}

func TestExportLastReadSemaphoreReturnsReadyFD(t *testing.T) {
	sw := New(2, 2)
	gpu := sw.EncodeGPU()

	sem, err := gpu.ImportSemaphoreTemporary(memFD(t, 1))
	if err != nil {
		t.Fatalf("ImportSemaphoreTemporary: %v", err)
	}
	fd, err := gpu.ExportLastReadSemaphore(sem)
	if err != nil {
		t.Fatalf("ExportLastReadSemaphore: %v", err)
	}
	defer unix.Close(fd)

	var b [1]byte
	n, err := unix.Read(fd, b[:])
	if err != nil || n != 1 {
		t.Fatalf("expected pre-signaled pipe, got n=%d err=%v", n, err)
	}
}
