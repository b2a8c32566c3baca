// Package swgpu provides a software stand-in for the Vulkan device
// pkg/flingserver.EncodeGPU abstracts over. pyrofling's own Vulkan calls
// are deliberately kept behind that struct-of-function-fields interface
// (pkg/vkabi's doc comment: "this package does not call into a Vulkan
// loader or driver"), and this module carries no cgo Vulkan binding in
// its dependency stack, so cmd/pyrofling-server wires this package in
// as the concrete implementation: imported memory is mmap'd instead of
// bound to a VkImage, "submission" runs recorded operations inline, and
// fences/semaphores are plain channels and already-signaled pipes.
//
// Grounded on pkg/fdh's ownership-transfer idiom for descriptor handling
// and on flingserver.EncodeGPU's doc comments for what each field needs
// to do.
package swgpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/flingserver"
	"github.com/Themaister/pyrofling/pkg/vkabi"
)

// BytesPerPixel returns the pixel stride of the known wire formats.
func BytesPerPixel(format vkabi.Format) int {
	switch format {
	case vkabi.FormatR16G16B16A16Sfloat:
		return 8
	default:
		return 4
	}
}

type buffer struct {
	data    []byte
	mmapped bool
}

type cmdOp struct {
	run func() error
}

type fence struct {
	mu     sync.Mutex
	signal chan struct{}
	done   bool
}

// Software is the in-process GPU stand-in. The zero value is not usable;
// construct with New.
type Software struct {
	mu      sync.Mutex
	objects map[uint64]any
	next    atomic.Uint64

	composeMu     sync.Mutex
	composeWidth  uint32
	composeHeight uint32
	composeTarget []byte
}

// New constructs a Software GPU whose composition target is
// width x height RGBA8.
func New(width, height uint32) *Software {
	return &Software{
		objects:       make(map[uint64]any),
		composeWidth:  width,
		composeHeight: height,
		composeTarget: make([]byte, int(width)*int(height)*4),
	}
}

func (s *Software) alloc(v any) uint64 {
	id := s.next.Add(1)
	s.mu.Lock()
	s.objects[id] = v
	s.mu.Unlock()
	return id
}

func (s *Software) lookup(id uint64) (any, bool) {
	s.mu.Lock()
	v, ok := s.objects[id]
	s.mu.Unlock()
	return v, ok
}

func (s *Software) free(id uint64) {
	s.mu.Lock()
	delete(s.objects, id)
	s.mu.Unlock()
}

// ComposedFrame returns the current composition target. The returned
// slice is owned by Software and must not be retained past the next
// ComposeSurface call.
func (s *Software) ComposedFrame() []byte {
	s.composeMu.Lock()
	defer s.composeMu.Unlock()
	return s.composeTarget
}

// EncodeGPU returns the flingserver.EncodeGPU function table backed by s.
func (s *Software) EncodeGPU() *flingserver.EncodeGPU {
	return &flingserver.EncodeGPU{
		ImportImage:              s.importImage,
		CreateHostStagingBuffer:  s.createHostStagingBuffer,
		ImportHostStagingBuffer:  s.importHostStagingBuffer,
		CreateSinkImage:          s.createSinkImage,
		ImportSemaphoreTemporary: s.importSemaphoreTemporary,
		RecordAcquireBarrier:     s.recordAcquireBarrier,
		RecordCrossDeviceCopy:    s.recordCrossDeviceCopy,
		MemcpyFallback:           s.memcpyFallback,
		CreateFence:              s.createFence,
		WaitFence:                s.waitFence,
		ResetFence:               s.resetFence,
		Submit:                   s.submit,
		ComposeSurface:           s.composeSurface,
		ExportLastReadSemaphore:  s.exportLastReadSemaphore,
		DestroyImage:             s.free,
		DestroyBuffer:            s.free,
		DestroySemaphore:         s.free,
		DestroyFence:             s.free,
	}
}

func (s *Software) importImage(memFD int, width, height uint32, format vkabi.Format, usage vkabi.ImageUsage, viewFormats []vkabi.Format) (uint64, error) {
	defer unix.Close(memFD)

	size := int(width) * int(height) * BytesPerPixel(format)
	data, err := unix.Mmap(memFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("swgpu: mmap imported image: %w", err)
	}
	return s.alloc(&buffer{data: data, mmapped: true}), nil
}

func (s *Software) createHostStagingBuffer(size uint64) (uint64, uintptr, error) {
	b := &buffer{data: make([]byte, size)}
	id := s.alloc(b)
	return id, uintptr(id), nil
}

func (s *Software) importHostStagingBuffer(hostHandle uintptr, size uint64) (uint64, error) {
	v, ok := s.lookup(uint64(hostHandle))
	if !ok {
		return 0, fmt.Errorf("swgpu: unknown host staging handle %d", hostHandle)
	}
	if _, ok := v.(*buffer); !ok {
		return 0, fmt.Errorf("swgpu: handle %d is not a buffer", hostHandle)
	}
	return uint64(hostHandle), nil
}

func (s *Software) createSinkImage(width, height uint32, format vkabi.Format) (uint64, error) {
	size := int(width) * int(height) * BytesPerPixel(format)
	return s.alloc(&buffer{data: make([]byte, size)}), nil
}

func (s *Software) importSemaphoreTemporary(fd int) (uint64, error) {
	unix.Close(fd)
	return s.alloc(struct{}{}), nil
}

func (s *Software) recordAcquireBarrier(image uint64, oldLayout, newLayout vkabi.ImageLayout, crossDevice bool) (uint64, error) {
	return s.alloc(&cmdOp{run: func() error { return nil }}), nil
}

func (s *Software) recordCrossDeviceCopy(image, hostBuffer uint64) (uint64, error) {
	return s.alloc(&cmdOp{run: func() error {
		src, ok := s.lookup(image)
		if !ok {
			return fmt.Errorf("swgpu: unknown image %d", image)
		}
		dst, ok := s.lookup(hostBuffer)
		if !ok {
			return fmt.Errorf("swgpu: unknown host buffer %d", hostBuffer)
		}
		copy(dst.(*buffer).data, src.(*buffer).data)
		return nil
	}}), nil
}

func (s *Software) memcpyFallback(src, dst uintptr, size uint64) {
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	copy(dstSlice, srcSlice)
}

func (s *Software) createFence() (uint64, error) {
	return s.alloc(&fence{signal: make(chan struct{})}), nil
}

func (s *Software) waitFence(f uint64, timeout time.Duration) (bool, error) {
	v, ok := s.lookup(f)
	if !ok {
		return false, fmt.Errorf("swgpu: unknown fence %d", f)
	}
	fe := v.(*fence)
	select {
	case <-fe.signal:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (s *Software) resetFence(f uint64) error {
	v, ok := s.lookup(f)
	if !ok {
		return fmt.Errorf("swgpu: unknown fence %d", f)
	}
	fe := v.(*fence)
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.signal = make(chan struct{})
	fe.done = false
	return nil
}

// submit runs every recorded cmdOp inline, in order, then signals fence.
// There is no real queue to wait on; waitSem is accepted for interface
// parity and ignored since every prior op already ran synchronously.
func (s *Software) submit(cmdBufs []uint64, waitSem uint64, f uint64) error {
	for _, id := range cmdBufs {
		v, ok := s.lookup(id)
		if !ok {
			return fmt.Errorf("swgpu: unknown command buffer %d", id)
		}
		op, ok := v.(*cmdOp)
		if !ok {
			return fmt.Errorf("swgpu: handle %d is not a command buffer", id)
		}
		if err := op.run(); err != nil {
			return err
		}
	}

	if f == 0 {
		return nil
	}
	v, ok := s.lookup(f)
	if !ok {
		return fmt.Errorf("swgpu: unknown fence %d", f)
	}
	fe := v.(*fence)
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if !fe.done {
		close(fe.signal)
		fe.done = true
	}
	return nil
}

func (s *Software) composeSurface(image uint64, hasSurface bool) error {
	s.composeMu.Lock()
	defer s.composeMu.Unlock()

	if !hasSurface {
		for i := range s.composeTarget {
			s.composeTarget[i] = 0
		}
		return nil
	}

	v, ok := s.lookup(image)
	if !ok {
		return fmt.Errorf("swgpu: unknown image %d", image)
	}
	b := v.(*buffer)
	n := copy(s.composeTarget, b.data)
	for i := n; i < len(s.composeTarget); i++ {
		s.composeTarget[i] = 0
	}
	return nil
}

// exportLastReadSemaphore hands back a pipe already in the signaled
// state: no real GPU work is pending so the reader can treat it as
// immediately ready, matching the software submission model above.
func (s *Software) exportLastReadSemaphore(sem uint64) (int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, fmt.Errorf("swgpu: pipe: %w", err)
	}
	unix.Write(fds[1], []byte{0})
	unix.Close(fds[1])
	return fds[0], nil
}
