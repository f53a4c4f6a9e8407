// Package logger builds the process-wide slog logger. It is created once in
// main and handed to the packages that log; nothing here touches
// slog.Default.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options selects the level and handler format.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// New creates a configured *slog.Logger writing to w.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, hopts)
	case "text", "":
		handler = slog.NewTextHandler(w, hopts)
	default:
		return nil, fmt.Errorf("unknown log format: %q", opts.Format)
	}

	return slog.New(handler), nil
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
}
