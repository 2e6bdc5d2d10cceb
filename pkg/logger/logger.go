// Package logger configures the process-wide structured logger.
// Components obtain scoped loggers via Component().
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var root atomic.Pointer[slog.Logger]

func init() {
	root.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Setup installs the root logger. Format is "json" or "text"; level is one
// of debug/info/warn/error.
func Setup(w io.Writer, format, level string) {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	l := slog.New(handler)
	root.Store(l)
	slog.SetDefault(l)
}

// Component returns a logger scoped to a pipeline component.
func Component(name string) *slog.Logger {
	return root.Load().With("component", name)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
