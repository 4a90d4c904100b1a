package app

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger returns a text or JSON slog logger writing to w. Pass a
// *slog.LevelVar as level to change verbosity at runtime.
func NewLogger(w io.Writer, level slog.Leveler, formatRaw string) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

func ParseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
