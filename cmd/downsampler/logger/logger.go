// Package logger builds the downsampler's slog.Logger from its Config,
// supporting text and JSON output and the debug, info, warn and error levels.
// Every line carries the task id so several downsamplers can share a sink.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/HatiCode/downsampler/cmd/downsampler/config"
)

// New returns a logger writing to stdout.
func New(cfg *config.Config) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.LogLevel),
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.TaskID != "" {
		logger = logger.With("task_id", cfg.TaskID)
	}
	return logger
}

// ParseLevel maps a level name to slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
