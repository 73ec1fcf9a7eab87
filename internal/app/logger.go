package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production deployments set
// LOG_FORMAT=json for the log shipper; the default text handler is for
// reading till activity on a terminal during development, where it also
// lowers the level to debug.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	if cfg != nil && !cfg.IsProduction() {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
