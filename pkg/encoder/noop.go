package encoder

import "github.com/rs/zerolog"

// NoopSink discards every frame, logging at debug level, for dry-run
// testing of the scheduling path without a real pipeline. The server
// binary does not fall back to it: without cgo, NewGstSink returns an
// error.
type NoopSink struct {
	log   zerolog.Logger
	count uint64
}

// NewNoopSink creates a sink that does nothing but count frames.
func NewNoopSink(log zerolog.Logger) *NoopSink {
	return &NoopSink{log: log}
}

func (s *NoopSink) EncodeFrame(ptsTicks uint64, audioCompensationUs int64) error {
	s.count++
	s.log.Debug().
		Uint64("pts_ticks", ptsTicks).
		Int64("audio_compensation_us", audioCompensationUs).
		Uint64("frame", s.count).
		Msg("encoder: dropped frame (noop sink)")
	return nil
}

func (s *NoopSink) Close() error { return nil }

// FrameCount returns how many frames EncodeFrame has been called with.
func (s *NoopSink) FrameCount() uint64 { return s.count }
