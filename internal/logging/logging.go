// Package logging constructs the shared zerolog logger used by both the
// daemon and the wrapper binary. The teacher itself logs with bare
// fmt.Printf; this package is the ambient-stack addition SPEC_FULL.md
// calls for, grounded on the structured daemon/CLI logging shape seen in
// the retrieval pack's cuemby-warren example.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger at the given level ("debug", "info", "warn",
// "error"; anything else defaults to "info"), in either "json" or
// "console" format.
func New(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	logger = logger.Level(parseLevel(level))
	return logger
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
