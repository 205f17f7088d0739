package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a logger tagged with component. PERP_LOG_LEVEL sets the
// level (info by default) and PERP_LOG_FORMAT=console switches from JSON to
// human-readable output for local runs.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component, os.Getenv("PERP_LOG_LEVEL"), os.Getenv("PERP_LOG_FORMAT"))
}

func newLogger(w io.Writer, component, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(logLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// logLevel falls back to info on an empty or unknown level.
func logLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
