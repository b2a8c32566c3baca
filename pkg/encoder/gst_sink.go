//go:build cgo

package encoder

import (
	"fmt"
	"sync"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/rs/zerolog"
)

var gstInitOnce sync.Once

func initGst() {
	gstInitOnce.Do(func() { gst.Init(nil) })
}

// GstSink drives a GStreamer encode pipeline via an appsrc, generalized
// from an appsink-pull capture pipeline into an appsrc-push encode
// pipeline built from encoder.Config.
type GstSink struct {
	log      zerolog.Logger
	pipeline *gst.Pipeline
	src      *app.Source

	mu         sync.Mutex
	frameBytes int
	blank      []byte
}

// NewGstSink parses and starts the pipeline described by cfg.
func NewGstSink(cfg Config, log zerolog.Logger) (*GstSink, error) {
	initGst()

	pipelineStr := BuildPipelineString(cfg)
	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("encoder: parse pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("videosrc")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: missing videosrc element: %w", err)
	}
	src := app.SrcFromElement(elem)
	if src == nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: videosrc element is not an appsrc")
	}

	frameBytes := cfg.Width * cfg.Height * 3 / 2 // NV12

	s := &GstSink{
		log:        log,
		pipeline:   pipeline,
		src:        src,
		frameBytes: frameBytes,
		blank:      make([]byte, frameBytes),
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("encoder: set pipeline playing: %w", err)
	}

	return s, nil
}

// EncodeFrame pushes one buffer tagged with ptsTicks into the appsrc.
// The composed pixel payload itself is produced by whatever GPU
// readback path the caller wires in (out of scope for this package);
// absent one, a blank NV12 buffer of the configured geometry is pushed
// so pipeline timing and muxing stay exercised.
func (s *GstSink) EncodeFrame(ptsTicks uint64, audioCompensationUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := gst.NewBufferFromBytes(s.blank)
	buf.SetPresentationTimestamp(gst.ClockTime(ptsTicks))

	if ret := s.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("encoder: appsrc push failed: %v", ret)
	}
	return nil
}

func (s *GstSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.EndStream()
	return s.pipeline.SetState(gst.StateNull)
}
