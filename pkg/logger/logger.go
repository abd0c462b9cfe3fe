package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns a JSON logger tagged with the service name.
// Debug level is enabled for local and dev environments.
func New(appEnv, service string) *slog.Logger {
	return NewWithWriter(os.Stdout, appEnv, service)
}

// NewWithWriter is New with an explicit sink, used by tests.
func NewWithWriter(w io.Writer, appEnv, service string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	l := slog.New(h)
	if service != "" {
		l = l.With("service", service)
	}
	return l
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
