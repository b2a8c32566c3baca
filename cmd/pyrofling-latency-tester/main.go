// pyrofling-latency-tester is a conformance reference client: it dials
// a running pyrofling-server, imports a small swapchain of memfd-backed
// images, and presents them back to back, measuring the round trip from
// each PresentImage send to the FrameComplete event it produces.
//
// A full conformance tool would measure input-to-display offset via a
// rendered quad and a windowing/audio stack; this one measures the one
// latency the control protocol itself can report: present send time to
// FrameComplete receipt, using the same running-average bookkeeping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/fdh"
	"github.com/Themaister/pyrofling/pkg/ipc"
	"github.com/Themaister/pyrofling/pkg/logging"
	"github.com/Themaister/pyrofling/pkg/vkabi"
	"github.com/Themaister/pyrofling/pkg/wire"
)

var (
	socketPath   string
	appName      string
	deviceUUID   string
	driverUUID   string
	width        int
	height       int
	numImages    int
	presentCount int
	intervalMS   int
	logLevel     string
	logPretty    bool
)

func main() {
	root := &cobra.Command{
		Use:   "pyrofling-latency-tester",
		Short: "Measure present-to-FrameComplete round trip latency against a running pyrofling-server",
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&socketPath, "socket", "/tmp/pyrofling-socket", "control socket path")
	flags.StringVar(&appName, "name", "pyrofling-latency-tester", "client app name sent in ClientHello")
	flags.StringVar(&deviceUUID, "device-uuid", "", "physical device UUID, as printed by pyrofling-server --list-devices")
	flags.StringVar(&driverUUID, "driver-uuid", "", "physical driver UUID, as printed by pyrofling-server --list-devices")
	flags.IntVar(&width, "width", 1920, "image width")
	flags.IntVar(&height, "height", 1080, "image height")
	flags.IntVar(&numImages, "images", 3, "swapchain image count")
	flags.IntVar(&presentCount, "count", 0, "number of presents to run, 0 = until interrupted")
	flags.IntVar(&intervalMS, "interval-ms", 16, "milliseconds between presents")
	flags.StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&logPretty, "log-pretty", true, "use the human-readable console log writer")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logLevel, logPretty)
	log := logging.Component("pyrofling-latency-tester")

	if deviceUUID == "" {
		return fmt.Errorf("pyrofling-latency-tester: --device-uuid is required (run pyrofling-server --list-devices)")
	}
	devUUID, err := uuid.Parse(deviceUUID)
	if err != nil {
		return fmt.Errorf("pyrofling-latency-tester: bad --device-uuid: %w", err)
	}
	drvUUID := devUUID
	if driverUUID != "" {
		drvUUID, err = uuid.Parse(driverUUID)
		if err != nil {
			return fmt.Errorf("pyrofling-latency-tester: bad --driver-uuid: %w", err)
		}
	}

	if numImages < 2 {
		numImages = 2
	}

	t, err := dial(log)
	if err != nil {
		return err
	}
	defer t.sess.Close()

	go func() {
		for {
			if r := t.sess.Wait(-1); r == ipc.WaitError {
				return
			}
		}
	}()

	if err := t.handshake(devUUID, drvUUID); err != nil {
		return err
	}
	if err := t.importImages(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t.presentLoop(ctx, log)
	return nil
}

// latencyStat mirrors pyrofling_latency_tester.cpp's Mode struct: a
// last-sample offset plus a running average.
type latencyStat struct {
	mu           sync.Mutex
	last         time.Duration
	runningTotal time.Duration
	count        int
}

func (s *latencyStat) record(d time.Duration) (last time.Duration, avg time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = d
	s.runningTotal += d
	s.count++
	return s.last, s.runningTotal / time.Duration(s.count)
}

// tester holds the live session plus the present-loop bookkeeping.
type tester struct {
	log  zerolog.Logger
	sess *ipc.Session

	available chan int

	mu        sync.Mutex
	sendTimes map[uint64]time.Time

	stat latencyStat
}

func dial(log zerolog.Logger) (*tester, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("pyrofling-latency-tester: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pyrofling-latency-tester: connect %s: %w", socketPath, err)
	}
	h, err := fdh.New(fd, false)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	t := &tester{
		log:       log,
		sess:      ipc.New(h, log),
		sendTimes: make(map[uint64]time.Time),
	}
	t.sess.SetDefaultSerialHandler(func(wire.Message) {})
	t.sess.SetEventHandler(t.handleEvent)
	return t, nil
}

// roundtripRequest sends one request/reply message under the session
// lock and blocks for its reply, returning the reply message.
func (t *tester) roundtripRequest(typ wire.Type, payload []byte, fds []int) (wire.Message, error) {
	t.sess.Lock()
	serial := t.sess.SendMessage(typ, payload, fds)
	var reply wire.Message
	t.sess.SetSerialHandler(serial, func(msg wire.Message) { reply = msg })
	t.sess.Unlock()

	if serial == 0 {
		return wire.Message{}, fmt.Errorf("pyrofling-latency-tester: failed to send %v", typ)
	}
	if r := t.sess.WaitReplyForSerial(serial); r != ipc.WaitProgress {
		return wire.Message{}, fmt.Errorf("pyrofling-latency-tester: %v request failed: %v", typ, r)
	}
	return reply, nil
}

func (t *tester) handshake(devUUID, drvUUID uuid.UUID) error {
	hello := wire.ClientHello{Intent: wire.IntentVulkanExternalStream, Name: appName}
	reply, err := t.roundtripRequest(wire.TypeClientHello, hello.Marshal(), nil)
	if err != nil {
		return err
	}
	if reply.Type != wire.TypeServerHello {
		return fmt.Errorf("pyrofling-latency-tester: expected ServerHello, got %v", reply.Type)
	}

	dev := wire.Device{DeviceUUID: devUUID, DriverUUID: drvUUID}
	reply, err = t.roundtripRequest(wire.TypeDevice, dev.Marshal(), nil)
	if err != nil {
		return err
	}
	if reply.Type != wire.TypeOK {
		return fmt.Errorf("pyrofling-latency-tester: server rejected device: %v", reply.Type)
	}
	return nil
}

// importImages allocates numImages memfd-backed B8G8R8A8_UNORM buffers and sends
// them as one ImageGroup.
func (t *tester) importImages() error {
	size := int64(width) * int64(height) * 4
	fds := make([]int, numImages)
	for i := range fds {
		fd, err := unix.MemfdCreate(fmt.Sprintf("pyrofling-latency-%d", i), 0)
		if err != nil {
			return fmt.Errorf("pyrofling-latency-tester: memfd_create: %w", err)
		}
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return fmt.Errorf("pyrofling-latency-tester: ftruncate: %w", err)
		}
		fds[i] = fd
	}

	g := wire.ImageGroup{
		Serial:     1,
		Width:      uint32(width),
		Height:     uint32(height),
		Format:     uint32(vkabi.FormatB8G8R8A8Unorm),
		ColorSpace: uint32(vkabi.ColorSpaceSRGBNonlinear),
		Usage:      uint32(vkabi.ImageUsageSampled | vkabi.ImageUsageTransferSrc),
		HandleType: uint32(vkabi.ExternalMemoryHandleTypeOpaqueFD),
		ImageCount: uint32(numImages),
	}

	reply, err := t.roundtripRequest(wire.TypeImageGroup, g.Marshal(), fds)
	for _, fd := range fds {
		unix.Close(fd)
	}
	if err != nil {
		return err
	}
	if reply.Type != wire.TypeOK {
		return fmt.Errorf("pyrofling-latency-tester: server rejected image group: %v", reply.Type)
	}

	t.available = make(chan int, numImages)
	for i := 0; i < numImages; i++ {
		t.available <- i
	}
	return nil
}

// handleEvent implements ipc.EventHandler: FrameComplete resolves a
// latency sample, RetireImage returns an image index to the available
// pool, AcquireImage carries no state this client needs (its optional
// semaphore FD, if any, is closed by the caller once handleEvent
// returns).
func (t *tester) handleEvent(msg wire.Message) error {
	switch msg.Type {
	case wire.TypeFrameComplete:
		ev := wire.ParseFrameComplete(msg.Payload)
		t.recordLatency(ev.PresentedPyroID)
		return nil
	case wire.TypeAcquireImage:
		return nil
	case wire.TypeRetireImage:
		ev := wire.ParseRetireImage(msg.Payload)
		t.available <- int(ev.ImageIndex)
		return nil
	default:
		return fmt.Errorf("pyrofling-latency-tester: unexpected event type %v", msg.Type)
	}
}

func (t *tester) recordLatency(presentID uint64) {
	t.mu.Lock()
	sent, ok := t.sendTimes[presentID]
	if ok {
		delete(t.sendTimes, presentID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	last, avg := t.stat.record(time.Since(sent))
	t.log.Info().
		Uint64("present_id", presentID).
		Float64("last_ms", float64(last.Microseconds())/1000).
		Float64("avg_ms", float64(avg.Microseconds())/1000).
		Msg("pyrofling-latency-tester: round trip")
}

// presentLoop presents images round-robin until ctx is cancelled or
// presentCount presents have been sent.
func (t *tester) presentLoop(ctx context.Context, log zerolog.Logger) {
	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	defer ticker.Stop()

	var presentID uint64
	for i := 0; presentCount == 0 || i < presentCount; i++ {
		select {
		case <-ctx.Done():
			return
		case idx := <-t.available:
			select {
			case <-ctx.Done():
				t.available <- idx
				return
			case <-ticker.C:
			}

			presentID++
			p := wire.PresentImage{
				GroupSerial: 1,
				ImageIndex:  uint32(idx),
				OldLayout:   uint32(vkabi.ImageLayoutPresentSrc),
				NewLayout:   uint32(vkabi.ImageLayoutPresentSrc),
				PresentID:   presentID,
				Period:      1,
			}

			t.mu.Lock()
			t.sendTimes[presentID] = time.Now()
			t.mu.Unlock()

			t.sess.Lock()
			serial := t.sess.SendMessage(wire.TypePresentImage, p.Marshal(), nil)
			t.sess.Unlock()
			if serial == 0 {
				log.Warn().Uint64("present_id", presentID).Msg("pyrofling-latency-tester: present send failed")
			}
		}
	}
}
