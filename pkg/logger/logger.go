// Package logger wraps zerolog with the handful of options Warden's
// components agree on: a level, and whether to render console-friendly
// output instead of JSON.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger constructed at startup.
type Config struct {
	Level  string // "debug", "info", "warn", "error"; defaults to "info"
	Pretty bool   // console-writer output instead of JSON lines
}

// New builds the root zerolog.Logger. Every component narrows it with
// `.With().Str("component", "...").Logger()` rather than constructing its
// own logger from scratch.
func New(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var writer = os.Stderr
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
