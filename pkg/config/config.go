// Package config loads the environment-variable-driven settings that sit
// alongside the server's cobra flags, using envconfig.Process to bind
// PYROFLING_* and CROSS_WSI_* variables onto typed structs.
package config

import "github.com/kelseyhightower/envconfig"

// CaptureConfig holds the capture layer's environment variables.
type CaptureConfig struct {
	Sync               string `envconfig:"PYROFLING_SYNC" default:"default"` // server, client or default
	Images             uint32 `envconfig:"PYROFLING_IMAGES" default:"0"`
	Server             string `envconfig:"PYROFLING_SERVER" default:"/tmp/pyrofling-socket"`
	ForceVkColorSpace  string `envconfig:"PYROFLING_FORCE_VK_COLOR_SPACE"`
}

// CrossWSIConfig holds the cross-device-WSI environment variables.
type CrossWSIConfig struct {
	Sink   string `envconfig:"CROSS_WSI_SINK"`
	Source string `envconfig:"CROSS_WSI_SOURCE"`
}

// LoadCaptureConfig reads PYROFLING_* from the environment.
func LoadCaptureConfig() (CaptureConfig, error) {
	var cfg CaptureConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return CaptureConfig{}, err
	}
	return cfg, nil
}

// LoadCrossWSIConfig reads CROSS_WSI_* from the environment.
func LoadCrossWSIConfig() (CrossWSIConfig, error) {
	var cfg CrossWSIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return CrossWSIConfig{}, err
	}
	return cfg, nil
}

// ServerOptions is the flattened set of streaming-server options,
// populated from cobra flags in cmd/pyrofling-server and passed down
// into pkg/flingserver and pkg/encoder.
type ServerOptions struct {
	Socket                string
	Port                  int
	Width, Height         int
	FPS                   int
	ClientRateMultiplier  int
	DeviceIndex           int
	Threads               int
	Preset, Tune          string
	GOPSeconds            float64
	BitrateKbits          int
	MaxBitrateKbits       int
	VBVSizeKbits          int
	LocalBackup           string
	Encoder               string
	Muxer                 string
	AudioRate             int
	LowLatency            bool
	NoAudio               bool
	ImmediateEncode       bool
	OutputURL             string
}

// DefaultServerOptions returns the flag defaults cmd/pyrofling-server
// registers, mirroring pyrofling's reference server invocation.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Socket:               "/tmp/pyrofling-socket",
		Port:                 52854,
		Width:                1920,
		Height:               1080,
		FPS:                  60,
		ClientRateMultiplier: 1,
		DeviceIndex:          0,
		Threads:              4,
		Preset:               "fast",
		Tune:                 "zerolatency",
		GOPSeconds:           2.0,
		BitrateKbits:         8000,
		MaxBitrateKbits:      10000,
		VBVSizeKbits:         10000,
		Encoder:              "h264",
		Muxer:                "matroska",
		AudioRate:            48000,
	}
}
