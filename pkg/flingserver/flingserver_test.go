package flingserver

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Themaister/pyrofling/pkg/encoder"
	"github.com/Themaister/pyrofling/pkg/vblank"
	"github.com/Themaister/pyrofling/pkg/vkabi"
	"github.com/Themaister/pyrofling/pkg/wire"
)

func validImageGroup() wire.ImageGroup {
	return wire.ImageGroup{
		Serial:     1,
		Width:      1920,
		Height:     1080,
		Format:     uint32(vkabi.FormatB8G8R8A8Srgb),
		ColorSpace: uint32(vkabi.ColorSpaceSRGBNonlinear),
		Usage:      uint32(vkabi.ImageUsageSampled | vkabi.ImageUsageTransferSrc),
		HandleType: uint32(vkabi.ExternalMemoryHandleTypeOpaqueFD),
		ImageCount: 3,
	}
}

func TestValidateImageGroupOK(t *testing.T) {
	if err := ValidateImageGroup(validImageGroup(), 3); err != nil {
		t.Fatalf("expected valid group, got %v", err)
	}
}

func TestValidateImageGroupBadUsage(t *testing.T) {
	g := validImageGroup()
	g.Usage = uint32(vkabi.ImageUsageSampled)
	if err := ValidateImageGroup(g, 3); err != ErrBadUsage {
		t.Fatalf("expected ErrBadUsage, got %v", err)
	}
}

func TestValidateImageGroupBadHandleType(t *testing.T) {
	g := validImageGroup()
	g.HandleType = uint32(vkabi.ExternalMemoryHandleTypeHostAllocation)
	if err := ValidateImageGroup(g, 3); err != ErrBadHandleType {
		t.Fatalf("expected ErrBadHandleType, got %v", err)
	}
}

func TestValidateImageGroupBadColorSpace(t *testing.T) {
	g := validImageGroup()
	g.ColorSpace = uint32(vkabi.ColorSpaceHDR10ST2084)
	if err := ValidateImageGroup(g, 3); err != ErrBadColorSpace {
		t.Fatalf("expected ErrBadColorSpace, got %v", err)
	}
}

func TestValidateImageGroupFDCountMismatch(t *testing.T) {
	g := validImageGroup()
	if err := ValidateImageGroup(g, 2); err != ErrFDCountMismatch {
		t.Fatalf("expected ErrFDCountMismatch, got %v", err)
	}
}

func TestDeviceRegistryMatchByLUID(t *testing.T) {
	pd := PhysicalDevice{Index: 0, LUID: 42, LUIDValid: true}
	reg := NewDeviceRegistry([]PhysicalDevice{pd, {Index: 1, DeviceUUID: uuid.New()}})

	got, err := reg.Match(wire.Device{LUID: 42, LUIDValid: true})
	if err != nil || got.Index != 0 {
		t.Fatalf("expected LUID match at index 0, got %+v, err %v", got, err)
	}
}

func TestDeviceRegistryMatchByUUID(t *testing.T) {
	dev, drv := uuid.New(), uuid.New()
	pd := PhysicalDevice{Index: 1, DeviceUUID: dev, DriverUUID: drv}
	reg := NewDeviceRegistry([]PhysicalDevice{{Index: 0}, pd})

	got, err := reg.Match(wire.Device{DeviceUUID: dev, DriverUUID: drv})
	if err != nil || got.Index != 1 {
		t.Fatalf("expected UUID match at index 1, got %+v, err %v", got, err)
	}
}

func TestDeviceRegistryMatchNoMatch(t *testing.T) {
	reg := NewDeviceRegistry([]PhysicalDevice{{Index: 0, DeviceUUID: uuid.New()}})
	if _, err := reg.Match(wire.Device{DeviceUUID: uuid.New()}); err != ErrNoMatchingDevice {
		t.Fatalf("expected ErrNoMatchingDevice, got %v", err)
	}
}

func TestDeviceRegistryCrossDevice(t *testing.T) {
	reg := NewDeviceRegistry([]PhysicalDevice{{Index: 0}, {Index: 1}})
	if reg.CrossDevice(reg.EncoderDevice()) {
		t.Fatal("encoder device should not be cross-device")
	}
	if !reg.CrossDevice(PhysicalDevice{Index: 1}) {
		t.Fatal("expected index 1 to be cross-device")
	}
}

func TestDeriveTargetTimestampAdvancesPastInFlight(t *testing.T) {
	inFlight := []*Frame{
		{State: FramePresentQueued, TargetTimestamp: 10, Period: 2},
		{State: FrameClientOwned, TargetTimestamp: 999, Period: 5}, // not in-flight, ignored
	}
	got := deriveTargetTimestamp(5, inFlight)
	if got != 12 {
		t.Fatalf("expected 12 (10+2), got %d", got)
	}
}

func TestDeriveTargetTimestampFloorsAtCurrentPlusOne(t *testing.T) {
	got := deriveTargetTimestamp(100, nil)
	if got != 101 {
		t.Fatalf("expected 101, got %d", got)
	}
}

func TestSelectPresentWinnerHighestPresentIDWins(t *testing.T) {
	frames := []*Frame{
		{Index: 0, State: FramePresentReady, TargetTimestamp: 1, PresentID: 5},
		{Index: 1, State: FramePresentReady, TargetTimestamp: 1, PresentID: 9},
		{Index: 2, State: FramePresentReady, TargetTimestamp: 1, PresentID: 7},
	}
	winner, obsoleted := selectPresentWinner(frames, 10)
	if winner == nil || winner.PresentID != 9 {
		t.Fatalf("expected winner with PresentID 9, got %+v", winner)
	}
	if len(obsoleted) != 2 {
		t.Fatalf("expected 2 obsoleted frames, got %d", len(obsoleted))
	}
}

func TestSelectPresentWinnerRespectsTargetTimestamp(t *testing.T) {
	frames := []*Frame{
		{Index: 0, State: FramePresentReady, TargetTimestamp: 100, PresentID: 1},
	}
	winner, _ := selectPresentWinner(frames, 10)
	if winner != nil {
		t.Fatalf("expected no winner before target timestamp, got %+v", winner)
	}
}

func TestSelectPresentWinnerIgnoresClientOwned(t *testing.T) {
	frames := []*Frame{
		{Index: 0, State: FrameClientOwned, TargetTimestamp: 0, PresentID: 100},
	}
	winner, _ := selectPresentWinner(frames, 10)
	if winner != nil {
		t.Fatalf("expected client-owned frame to be ignored, got %+v", winner)
	}
}

type fakeSink struct {
	frames []uint64
	comps  []int64
}

func (f *fakeSink) EncodeFrame(ptsTicks uint64, audioCompensationUs int64) error {
	f.frames = append(f.frames, ptsTicks)
	f.comps = append(f.comps, audioCompensationUs)
	return nil
}
func (f *fakeSink) Close() error { return nil }

var _ encoder.Sink = (*fakeSink)(nil)

func fakeEncodeGPU() *EncodeGPU {
	return &EncodeGPU{
		ComposeSurface: func(image uint64, hasSurface bool) error { return nil },
		ExportLastReadSemaphore: func(sem uint64) (int, error) {
			return 7, nil
		},
	}
}

func TestSchedulerTickPromotesAndDispatches(t *testing.T) {
	gpu := fakeEncodeGPU()
	sink := &fakeSink{}
	vstate := vblank.New(16_666_667)
	sched := NewScheduler(gpu, sink, vstate, 1, zerolog.Nop())

	group := &ImageGroup{
		Serial: 1,
		Images: []*serverImage{{Handle: 0xAAAA}},
		Frames: []*Frame{NewFrame(0)},
	}
	group.Frames[0].State = FramePresentReady
	group.Frames[0].PresentID = 1
	group.Frames[0].Period = 1
	group.Frames[0].TargetTimestamp = 1

	client := &Client{groups: map[uint64]*ImageGroup{1: group}}
	sched.registerGroup(client, group)

	var events []DebugEvent
	sched.SetObserver(func(ev DebugEvent) { events = append(events, ev) })

	sched.Tick()

	if group.Frames[0].State != FramePresentComplete {
		t.Fatalf("expected frame promoted to PresentComplete, got %v", group.Frames[0].State)
	}
	// EncodeFrame runs on a goroutine that hands ring slot 0 back when
	// it returns.
	<-sched.ring[0]
	if len(sink.frames) != 1 {
		t.Fatalf("expected one dispatched encode frame, got %d", len(sink.frames))
	}
	if len(events) != 1 || events[0].State != "PresentComplete" {
		t.Fatalf("expected one PresentComplete debug event, got %+v", events)
	}
}

func TestSchedulerTickStallsWhenNothingReady(t *testing.T) {
	gpu := fakeEncodeGPU()
	sink := &fakeSink{}
	vstate := vblank.New(16_666_667)
	sched := NewScheduler(gpu, sink, vstate, 1, zerolog.Nop())
	sched.Tick()
	if sched.StalledFrames != 1 {
		t.Fatalf("expected 1 stalled frame, got %d", sched.StalledFrames)
	}
	// A stalled tick still encodes one frame, composed from a dummy color.
	<-sched.ring[0]
	if len(sink.frames) != 1 {
		t.Fatalf("expected one dummy-color encode on a stalled tick, got %d", len(sink.frames))
	}
}

func TestFenceWaitPoolRoundTrip(t *testing.T) {
	gpu := &EncodeGPU{
		WaitFence: func(fence uint64, timeout time.Duration) (bool, error) {
			return true, nil
		},
		ResetFence: func(fence uint64) error { return nil },
	}
	pool, err := NewFenceWaitPool(1, gpu, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFenceWaitPool: %v", err)
	}
	defer pool.Close()

	client := &Client{}
	pool.Submit(FenceJob{Client: client, Index: 3, Fence: 99})

	deadline := time.Now().Add(2 * time.Second)
	var gotClient *Client
	var gotIndex int
	for time.Now().Before(deadline) {
		pool.DrainCompletions(func(c *Client, index int) {
			gotClient = c
			gotIndex = index
		})
		if gotClient != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if gotClient != client || gotIndex != 3 {
		t.Fatalf("expected completion for client/index 3, got %v/%d", gotClient, gotIndex)
	}
}
