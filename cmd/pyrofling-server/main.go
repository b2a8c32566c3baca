// pyrofling-server is the streaming server: it accepts capture
// client connections, schedules presents off a virtual vblank, and
// pushes composited frames into an encode pipeline.
package main

import (
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Themaister/pyrofling/pkg/config"
	"github.com/Themaister/pyrofling/pkg/encoder"
	"github.com/Themaister/pyrofling/pkg/flingserver"
	"github.com/Themaister/pyrofling/pkg/logging"
	"github.com/Themaister/pyrofling/pkg/swgpu"
)

var (
	opts        = config.DefaultServerOptions()
	logLevel    string
	logPretty   bool
	listDevices bool
	debugWS     string
)

func main() {
	root := &cobra.Command{
		Use:   "pyrofling-server [output-url]",
		Short: "Accept PyroFling capture clients and encode their presented frames",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&opts.Socket, "socket", opts.Socket, "control socket path")
	flags.IntVar(&opts.Port, "port", opts.Port, "TCP port for the optional network listener")
	flags.IntVar(&opts.Width, "width", opts.Width, "composition width")
	flags.IntVar(&opts.Height, "height", opts.Height, "composition height")
	flags.IntVar(&opts.FPS, "fps", opts.FPS, "encode frame rate")
	flags.IntVar(&opts.ClientRateMultiplier, "client-rate-multiplier", opts.ClientRateMultiplier, "vblanks per encoded frame")
	flags.IntVar(&opts.DeviceIndex, "device-index", opts.DeviceIndex, "physical device index to bind the encoder to")
	flags.IntVar(&opts.Threads, "threads", opts.Threads, "fence-wait worker threads")
	flags.StringVar(&opts.Preset, "preset", opts.Preset, "encoder speed preset")
	flags.StringVar(&opts.Tune, "tune", opts.Tune, "encoder tune")
	flags.Float64Var(&opts.GOPSeconds, "gop-seconds", opts.GOPSeconds, "keyframe interval in seconds")
	flags.IntVar(&opts.BitrateKbits, "bitrate-kbits", opts.BitrateKbits, "target bitrate in kbit/s")
	flags.IntVar(&opts.MaxBitrateKbits, "max-bitrate-kbits", opts.MaxBitrateKbits, "peak bitrate in kbit/s")
	flags.IntVar(&opts.VBVSizeKbits, "vbv-size-kbits", opts.VBVSizeKbits, "VBV buffer size in kbits")
	flags.StringVar(&opts.LocalBackup, "local-backup", opts.LocalBackup, "optional local backup file path")
	flags.StringVar(&opts.Encoder, "encoder", opts.Encoder, "encoder: h264, hevc, or av1")
	flags.StringVar(&opts.Muxer, "muxer", opts.Muxer, "muxer: matroska, mp4, or mpegts")
	flags.IntVar(&opts.AudioRate, "audio-rate", opts.AudioRate, "audio sample rate")
	flags.BoolVar(&opts.LowLatency, "low-latency", opts.LowLatency, "favor latency over buffering")
	flags.BoolVar(&opts.NoAudio, "no-audio", opts.NoAudio, "disable the audio track")
	flags.BoolVar(&opts.ImmediateEncode, "immediate-encode", opts.ImmediateEncode, "encode as soon as a frame is ready rather than waiting for the next vblank")
	flags.StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&logPretty, "log-pretty", false, "use the human-readable console log writer")
	flags.BoolVar(&listDevices, "list-devices", false, "print the enumerated physical devices and exit")
	flags.StringVar(&debugWS, "debug-ws", "", "address to serve a debug WebSocket of frame-state transitions on, e.g. :9595")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// enumeratePhysicalDevices stands in for the Vulkan instance/physical
// device enumeration a real server performs at startup: this module
// carries no Vulkan loader binding, so it reports the one software
// device pkg/swgpu backs.
func enumeratePhysicalDevices() []flingserver.PhysicalDevice {
	return []flingserver.PhysicalDevice{
		{
			Index:      0,
			Name:       "pyrofling-software-gpu",
			DeviceUUID: uuid.New(),
			DriverUUID: uuid.New(),
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logLevel, logPretty)
	log := logging.Component("pyrofling-server")

	devices := enumeratePhysicalDevices()
	if listDevices {
		for _, d := range devices {
			fmt.Printf("[%d] %s device=%s driver=%s\n", d.Index, d.Name, d.DeviceUUID, d.DriverUUID)
		}
		return nil
	}

	if len(args) == 1 {
		opts.OutputURL = args[0]
	}
	if opts.DeviceIndex < 0 || opts.DeviceIndex >= len(devices) {
		return fmt.Errorf("pyrofling-server: device index %d out of range (have %d devices)", opts.DeviceIndex, len(devices))
	}

	encCfg := encoder.Config{
		Width: opts.Width, Height: opts.Height, FPS: opts.FPS,
		Encoder: opts.Encoder, Muxer: opts.Muxer,
		Preset: opts.Preset, Tune: opts.Tune,
		GOPSeconds: opts.GOPSeconds,
		BitrateKbits: opts.BitrateKbits, MaxBitrateKbits: opts.MaxBitrateKbits, VBVSizeKbits: opts.VBVSizeKbits,
		AudioRate: opts.AudioRate, NoAudio: opts.NoAudio,
		LowLatency: opts.LowLatency, ImmediateEncode: opts.ImmediateEncode,
		LocalBackup: opts.LocalBackup, OutputURL: opts.OutputURL,
	}
	sink, err := encoder.NewGstSink(encCfg, log)
	if err != nil {
		return fmt.Errorf("pyrofling-server: new encoder sink: %w", err)
	}

	sw := swgpu.New(uint32(opts.Width), uint32(opts.Height))

	srv, err := flingserver.New(opts, devices, sw.EncodeGPU(), sink, log)
	if err != nil {
		return fmt.Errorf("pyrofling-server: new server: %w", err)
	}

	var debugSrv *flingserver.DebugServer
	if debugWS != "" {
		debugSrv = flingserver.NewDebugServer(log)
		srv.SetDebugObserver(debugSrv.Observe)

		mux := http.NewServeMux()
		mux.HandleFunc("/debug/ws", debugSrv.Handler)
		httpSrv := &http.Server{Addr: debugWS, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("pyrofling-server: debug-ws server stopped")
			}
		}()
		defer httpSrv.Close()
		log.Info().Str("addr", debugWS).Msg("pyrofling-server: debug-ws listening")
	}

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("pyrofling-server: listen: %w", err)
	}
	defer srv.Close()

	if err := srv.ListenSignals(int(syscall.SIGINT), int(syscall.SIGTERM)); err != nil {
		return fmt.Errorf("pyrofling-server: listen signals: %w", err)
	}

	log.Info().
		Str("socket", opts.Socket).
		Int("width", opts.Width).Int("height", opts.Height).
		Int("fps", opts.FPS).
		Msg("pyrofling-server: listening")

	err = srv.Run()
	log.Info().Msg("pyrofling-server: shutting down")
	if err != nil {
		return fmt.Errorf("pyrofling-server: run: %w", err)
	}
	return nil
}
