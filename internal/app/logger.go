package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hurttlocker/quill/internal/config"
)

// NewLogger creates a *slog.Logger from the LogConfig and installs it as the
// default logger via slog.SetDefault.
//
// Format "json" produces structured JSON output; "text" produces
// human-readable output. Level is one of debug, info, warn, error
// (case-insensitive) and defaults to info. Output is always os.Stderr so
// stdout stays free for command output and the MCP stdio transport.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	logger := slog.New(newHandler(os.Stderr, cfg))
	slog.SetDefault(logger)
	return logger
}

func newHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: parseLevel(cfg.Level) == slog.LevelDebug,
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
