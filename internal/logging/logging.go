// Package logging constructs the shared zerolog logger used by every
// component instead of reaching into a process-wide singleton.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	// Level is one of zerolog's level strings ("debug", "info", "warn", "error").
	Level string
	// JSON selects structured JSON output instead of the console writer.
	JSON bool
	// Writer overrides the destination; defaults to os.Stderr so progress
	// bars (which also write to stderr, see progressbus) and logs interleave
	// the way operators expect from a single terminal stream.
	Writer io.Writer
}

// New builds a logger from cfg. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	var out io.Writer = w
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithRun returns a child logger tagged with the run's table and period,
// the pair of fields every component needs for correlating log lines
// across a parallel batch.
func WithRun(l zerolog.Logger, table, period string) zerolog.Logger {
	return l.With().Str("table", table).Str("period", period).Logger()
}
