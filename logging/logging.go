// Package logging builds the structured slog loggers used across runguard.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rustyeddy/runguard/config"
)

// New creates a slog logger writing to w (stderr when nil) using the
// configured level and format. JSON is the default format.
func New(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// Nop discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// ParseLevel converts string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelation scopes a logger to one logical run. An empty id returns
// the logger unchanged.
func WithCorrelation(l *slog.Logger, correlationID string) *slog.Logger {
	if correlationID == "" {
		return l
	}
	return l.With(slog.String("correlation_id", correlationID))
}

// Component tags a logger the way each package identifies itself.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("logger", name))
}
