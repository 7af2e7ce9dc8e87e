// Package logging configures the global zerolog logger.
//
// DESIGN: JSON to stderr in production; a human-readable console writer
// when stderr is a terminal, so local runs stay legible. Level comes from
// LOGLEVEL with the debug flag as an override.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Setup installs the global logger.
func Setup(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if raw := os.Getenv("LOGLEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	if debug {
		level = zerolog.DebugLevel
	}

	var writer io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	log.Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
