package encoder

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestGOPFrames(t *testing.T) {
	cfg := Config{FPS: 60, GOPSeconds: 2}
	if got := cfg.GOPFrames(); got != 120 {
		t.Fatalf("expected 120, got %d", got)
	}
	cfg = Config{FPS: 30, GOPSeconds: 0}
	if got := cfg.GOPFrames(); got != 1 {
		t.Fatalf("expected floor of 1, got %d", got)
	}
}

func TestBuildPipelineStringContainsCoreElements(t *testing.T) {
	cfg := Config{
		Width: 1920, Height: 1080, FPS: 60,
		Encoder: "h264", Muxer: "matroska",
		Preset: "fast", Tune: "zerolatency",
		GOPSeconds: 2, BitrateKbits: 8000, VBVSizeKbits: 10000,
		AudioRate: 48000,
		OutputURL: "out.mkv",
	}
	pipeline := BuildPipelineString(cfg)

	for _, want := range []string{"appsrc", "x264enc", "matroskamux", "filesink", "voaacenc"} {
		if !strings.Contains(pipeline, want) {
			t.Errorf("pipeline missing %q: %s", want, pipeline)
		}
	}
}

func TestBuildPipelineStringNoAudioOmitsAudioElements(t *testing.T) {
	cfg := Config{Width: 640, Height: 480, FPS: 30, Encoder: "h264", Muxer: "mp4", NoAudio: true, OutputURL: "out.mp4"}
	pipeline := BuildPipelineString(cfg)
	if strings.Contains(pipeline, "audiotestsrc") {
		t.Fatalf("expected no audio elements: %s", pipeline)
	}
	if !strings.Contains(pipeline, "mp4mux") {
		t.Fatalf("expected mp4mux: %s", pipeline)
	}
}

func TestBuildPipelineStringLocalBackupTees(t *testing.T) {
	cfg := Config{Width: 640, Height: 480, FPS: 30, Encoder: "h264", Muxer: "matroska", LocalBackup: "backup.mkv", OutputURL: "rtmp://example.invalid/live"}
	pipeline := BuildPipelineString(cfg)
	if !strings.Contains(pipeline, "tee name=vtee") {
		t.Fatalf("expected tee element: %s", pipeline)
	}
	if !strings.Contains(pipeline, "backup.mkv") {
		t.Fatalf("expected backup location: %s", pipeline)
	}
	if !strings.Contains(pipeline, "rtmpsink") {
		t.Fatalf("expected rtmp sink: %s", pipeline)
	}
}

func TestNoopSinkCountsFrames(t *testing.T) {
	s := NewNoopSink(zerolog.Nop())
	for i := 0; i < 5; i++ {
		if err := s.EncodeFrame(uint64(i), 0); err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
	}
	if s.FrameCount() != 5 {
		t.Fatalf("expected 5 frames, got %d", s.FrameCount())
	}
}
