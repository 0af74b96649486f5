// Package log builds the slog loggers used by the kstorm binaries.
package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a colored console logger, or a JSON logger on stderr when
// running inside Kubernetes.
func New(level slog.Level) *slog.Logger {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return NewConsole(os.Stdout, level)
}

// NewConsole returns a tint logger writing to w.
func NewConsole(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339Nano,
	}))
}
