// Package logging sets up the process-wide zerolog logger: a pretty
// console writer for interactive use, newline-delimited JSON otherwise.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. levelName is parsed with
// zerolog.ParseLevel (falling back to info on an empty or invalid value);
// pretty selects the human-readable console writer over newline-delimited
// JSON.
func Init(levelName string, pretty bool) {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var writer = os.Stderr
	if pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a "component" field, the
// convention used throughout pkg/dispatch, pkg/capture and pkg/flingserver
// for per-subsystem log lines.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
