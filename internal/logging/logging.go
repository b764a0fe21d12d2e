// Package logging constructs the process-wide *slog.Logger from ultask's
// config. Grounded on bobbydeveaux-starbucks-mugs/cmd/server/main.go's
// newLogger, the only logging setup found anywhere in the reference corpus.
package logging

import (
	"log/slog"
	"os"

	"github.com/xyproto/ultask/internal/config"
)

// New builds a *slog.Logger writing to stderr at the level and in the
// format named by cfg.
func New(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
