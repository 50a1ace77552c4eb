// Package logger builds the process slog.Logger from a level and format name.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// New creates a *slog.Logger writing to stderr.
// Level: "debug", "info", "warn", "error" (default: "info").
// Format: "text", "json" or "auto" (text on a terminal, JSON otherwise).
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a *slog.Logger writing to w.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if ResolveFormat(w, format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ResolveFormat turns "auto" into "text" or "json" depending on whether w
// is a terminal. Unknown formats fall back to text.
func ResolveFormat(w io.Writer, format string) string {
	switch strings.ToLower(format) {
	case "json":
		return "json"
	case "auto":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return "text"
		}
		return "json"
	default:
		return "text"
	}
}

// ParseLevel converts a level string to slog.Level.
// Recognized values: "debug", "warn", "error". Everything else returns LevelInfo.
func ParseLevel(level string) slog.Level {
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

// LevelFor picks the effective level: an explicit level wins, otherwise
// verbose runs log at debug.
func LevelFor(level string, verbose bool) string {
	if level != "" {
		return level
	}
	if verbose {
		return "debug"
	}
	return "info"
}
