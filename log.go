package refbridge

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// LogOptions configures NewLogger.
type LogOptions struct {
	Level slog.Level
	// Color enables ANSI colors. Callers usually set it when the writer is a terminal.
	Color bool
	// TimeFormat defaults to "15:04:05.000".
	TimeFormat string
}

// NewLogger returns a tint-formatted structured logger writing to w.
func NewLogger(w io.Writer, opts LogOptions) *slog.Logger {
	format := opts.TimeFormat
	if format == "" {
		format = "15:04:05.000"
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: format,
		NoColor:    !opts.Color,
	}))
}

// ParseLogLevel converts a level name (debug, info, warn, error) into a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("refbridge: unknown log level %q", s)
	}
}
