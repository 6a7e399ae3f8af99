// Package logger provides the configured structured logger shared by all
// Bifrost services. It wraps "log/slog" so every binary emits the same
// format (JSON in production, text in development) with the same identity
// attributes, and so request-scoped loggers can travel through context.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/rcavalcanti/bifrost/internal/config"
)

// New creates a *slog.Logger from the app config, writing to stdout.
func New(cfg *config.AppConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit output, for tests and custom sinks.
func NewWithWriter(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	if cfg == nil {
		panic("logger: config cannot be nil")
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
		// file:line is useful in development and expensive in production
		AddSource: cfg.Environment != config.EnvironmentProduction,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		// JSON unless explicitly asked otherwise
		handler = slog.NewJSONHandler(w, opts)
	}

	// Identity attributes appear on every line this logger or its children emit.
	return slog.New(handler).With(
		slog.String("service", cfg.Name),
		slog.String("version", cfg.Version),
		slog.String("env", cfg.Environment),
	)
}

// parseLevel converts a string to slog.Level, defaulting to INFO.
func parseLevel(s string) slog.Level {
	var level slog.Level
	// UnmarshalText handles case insensitivity (INFO, info, Info)
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
