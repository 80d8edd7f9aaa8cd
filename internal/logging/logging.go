// Package logging builds the process-wide structured logger. The teacher
// repo reaches for bare log.Println everywhere; the rest of the pack
// (USA-RedDragon-DMRHub) shows the idiomatic replacement used across this
// codebase instead: log/slog with a tint handler for human-readable local
// runs, falling back to slog's JSON handler for production.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options configures the root logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// JSON selects the JSON handler instead of tint's colorized one; use
	// this in production where logs are shipped to a collector.
	JSON bool
}

func parseLevel(s string) slog.Level {
	switch s {
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

// New builds the root logger per Options.
func New(opts Options) *slog.Logger {
	level := parseLevel(opts.Level)
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
