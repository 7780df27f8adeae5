package util

import (
	"bytes"
	"log/slog"
	"os"
)

var logger *slog.Logger

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo, // Default level
	}

	if verbose {
		opts.Level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		// Fallback initialization with INFO level
		InitLogger(false)
	}
	return logger
}

// PrefixLogWriter forwards each written line to the global logger with a
// fixed prefix. Used to capture stdout/stderr of spawned processes
// (on-device server, HAR collector).
type PrefixLogWriter struct {
	prefix string
}

func NewPrefixLogWriter(prefix string) *PrefixLogWriter {
	return &PrefixLogWriter{prefix: prefix}
}

func (w *PrefixLogWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		GetLogger().Debug(w.prefix + " " + string(line))
	}
	return len(p), nil
}
