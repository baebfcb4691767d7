package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process-wide logger: structured JSON on stdout
// with source locations, leveled by the LOG_LEVEL config value.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

// levelFromString is forgiving: unknown values fall back to info rather
// than failing startup over a typo.
func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
