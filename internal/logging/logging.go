// Package logging configures the process-wide structured logger.
// Every other package logs through the stdlib log/slog package
// directly — exactly as the teacher does throughout ghostpool,
// enginepool, and the rest of the tree — so this package's only job is
// building the one handler Setup installs as the default.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/ocx/cipher-gateway/internal/config"
)

type ctxKey struct{}

// Setup installs a process-wide slog.Logger built from cfg as the
// slog default, so every package's unadorned slog.Info/slog.Warn call
// picks up the configured level and format without being handed a
// logger explicitly.
func Setup(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
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

// WithRequestID returns a context carrying a logger annotated with
// requestID, for handlers that want every log line for one request
// tagged consistently.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	l := slog.Default().With("request_id", requestID)
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request-scoped logger stashed by
// WithRequestID, or the process default if none was set.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
