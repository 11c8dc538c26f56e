// Package log defines the logging facade shared by the engine, its stores and
// its node handlers.
package log

import (
	"context"
	"log/slog"
)

// Logger is the structured logger handed to every engine component. The
// formatted helpers treat a trailing error argument as a structured field.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Log writes msg at level with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with trace correlation taken from ctx.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a child logger that adds args to every entry.
	With(args ...interface{}) Logger
	// IsEnabled reports whether entries at level would be written.
	IsEnabled(level slog.Level) bool
}
