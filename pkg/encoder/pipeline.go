package encoder

import (
	"fmt"
	"strings"
)

// encoderElement maps an --encoder flag value to a GStreamer encoder
// element with its preset/tune/bitrate properties set.
func encoderElement(name, preset, tune string, gopFrames, bitrateKbits, maxBitrateKbits, vbvKbits int) string {
	switch name {
	case "hevc":
		return fmt.Sprintf("x265enc speed-preset=%s tune=%s key-int-max=%d bitrate=%d", gstPreset(preset), gstTune(tune), gopFrames, bitrateKbits)
	case "av1":
		return fmt.Sprintf("av1enc keyframe-max-distance=%d target-bitrate=%d", gopFrames, bitrateKbits)
	case "h264":
		fallthrough
	default:
		return fmt.Sprintf("x264enc speed-preset=%s tune=%s key-int-max=%d bitrate=%d vbv-buf-capacity=%d",
			gstPreset(preset), gstTune(tune), gopFrames, bitrateKbits, vbvKbits)
	}
}

func gstPreset(p string) string {
	if p == "" {
		return "fast"
	}
	return p
}

func gstTune(t string) string {
	if t == "" {
		return "zerolatency"
	}
	return t
}

// muxerElement maps --muxer names to a GStreamer muxer element.
func muxerElement(name string) string {
	switch name {
	case "mp4":
		return "mp4mux"
	case "mpegts":
		return "mpegtsmux"
	case "matroska":
		fallthrough
	default:
		return "matroskamux streamable=true"
	}
}

// sinkElement maps an output URL to a GStreamer sink element. rtmp://
// and udp:// schemes get their matching network sink; anything else is
// treated as a filesystem path.
func sinkElement(outputURL string) string {
	switch {
	case strings.HasPrefix(outputURL, "rtmp://"):
		return fmt.Sprintf("rtmpsink location=%q", outputURL)
	case strings.HasPrefix(outputURL, "udp://"):
		return fmt.Sprintf("udpsink host=%s", strings.TrimPrefix(outputURL, "udp://"))
	case outputURL == "" || outputURL == "-":
		return "fdsink fd=1"
	default:
		return fmt.Sprintf("filesink location=%q", outputURL)
	}
}

// BuildPipelineString renders the gst-launch-style description the
// cgo-backed Sink parses with gst.NewPipelineFromString.
func BuildPipelineString(cfg Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "appsrc name=videosrc format=time is-live=true do-timestamp=false ! ")
	fmt.Fprintf(&b, "video/x-raw,format=NV12,width=%d,height=%d,framerate=%d/1 ! ", cfg.Width, cfg.Height, cfg.FPS)
	fmt.Fprintf(&b, "videoconvert ! ")
	b.WriteString(encoderElement(cfg.Encoder, cfg.Preset, cfg.Tune, cfg.GOPFrames(), cfg.BitrateKbits, cfg.MaxBitrateKbits, cfg.VBVSizeKbits))
	b.WriteString(" ! h264parse config-interval=-1 ! ")

	if cfg.LocalBackup != "" {
		b.WriteString("tee name=vtee ")
		b.WriteString("vtee. ! queue ! ")
		b.WriteString(muxerElement(cfg.Muxer))
		b.WriteString(" name=mux ! ")
		b.WriteString(sinkElement(cfg.OutputURL))
		fmt.Fprintf(&b, " vtee. ! queue ! %s name=backupmux ! filesink location=%q", muxerElement(cfg.Muxer), cfg.LocalBackup)
	} else {
		b.WriteString(muxerElement(cfg.Muxer))
		b.WriteString(" name=mux ! ")
		b.WriteString(sinkElement(cfg.OutputURL))
	}

	if !cfg.NoAudio {
		fmt.Fprintf(&b, " audiotestsrc is-live=true ! audioconvert ! audioresample ! audio/x-raw,rate=%d ! voaacenc ! mux.", cfg.AudioRate)
		if cfg.LocalBackup != "" {
			b.WriteString(" audiotestsrc is-live=true ! audioconvert ! audioresample ! voaacenc ! backupmux.")
		}
	}

	return b.String()
}
