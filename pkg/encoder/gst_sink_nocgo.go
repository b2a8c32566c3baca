//go:build !cgo

package encoder

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrCGORequired is returned when the GStreamer-backed sink is
// requested in a build without CGO support.
var ErrCGORequired = errors.New("encoder: GStreamer support requires CGO")

// GstSink is unavailable without CGO.
type GstSink struct{}

func NewGstSink(cfg Config, log zerolog.Logger) (*GstSink, error) {
	return nil, ErrCGORequired
}

func (s *GstSink) EncodeFrame(ptsTicks uint64, audioCompensationUs int64) error {
	return ErrCGORequired
}

func (s *GstSink) Close() error { return nil }
