package logger

import (
	"io"
	"log"
	"log/slog"

	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/hashicorp/go-hclog"
)

// HCLogger adapts an rwlog.Logger to hclog.Logger so libraries that expect
// hclog (and *log.Logger via StandardLogger) write through the engine logger.
func HCLogger(base rwlog.Logger, name string) hclog.Logger {
	l := &hclogAdapter{base: base, name: name}
	if name != "" {
		l.base = base.With("component", name)
	}
	return l
}

type hclogAdapter struct {
	base    rwlog.Logger
	name    string
	implied []interface{}
}

var _ hclog.Logger = (*hclogAdapter)(nil)

func (h *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		h.Debug(msg, args...)
	case hclog.Warn:
		h.Warn(msg, args...)
	case hclog.Error:
		h.Error(msg, args...)
	case hclog.Off:
	default:
		h.Info(msg, args...)
	}
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.base.Log(slog.LevelDebug-4, msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) { h.base.Log(slog.LevelDebug, msg, args...) }
func (h *hclogAdapter) Info(msg string, args ...interface{})  { h.base.Log(slog.LevelInfo, msg, args...) }
func (h *hclogAdapter) Warn(msg string, args ...interface{})  { h.base.Log(slog.LevelWarn, msg, args...) }
func (h *hclogAdapter) Error(msg string, args ...interface{}) { h.base.Log(slog.LevelError, msg, args...) }

func (h *hclogAdapter) IsTrace() bool { return h.base.IsEnabled(slog.LevelDebug - 4) }
func (h *hclogAdapter) IsDebug() bool { return h.base.IsEnabled(slog.LevelDebug) }
func (h *hclogAdapter) IsInfo() bool  { return h.base.IsEnabled(slog.LevelInfo) }
func (h *hclogAdapter) IsWarn() bool  { return h.base.IsEnabled(slog.LevelWarn) }
func (h *hclogAdapter) IsError() bool { return h.base.IsEnabled(slog.LevelError) }

func (h *hclogAdapter) ImpliedArgs() []interface{} { return h.implied }

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	implied := append(append([]interface{}{}, h.implied...), args...)
	return &hclogAdapter{base: h.base.With(args...), name: h.name, implied: implied}
}

func (h *hclogAdapter) Name() string { return h.name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	full := name
	if h.name != "" {
		full = h.name + "." + name
	}
	return &hclogAdapter{base: h.base.With("component", full), name: full, implied: h.implied}
}

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{base: h.base.With("component", name), name: name}
}

// SetLevel is a no-op; the level belongs to the underlying logger.
func (h *hclogAdapter) SetLevel(level hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level {
	switch {
	case h.IsTrace():
		return hclog.Trace
	case h.IsDebug():
		return hclog.Debug
	case h.IsInfo():
		return hclog.Info
	case h.IsWarn():
		return hclog.Warn
	case h.IsError():
		return hclog.Error
	}
	return hclog.Off
}

func (h *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(h.StandardWriter(opts), "", 0)
}

func (h *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return &stdWriter{log: h, inferLevels: opts != nil && opts.InferLevels}
}

// stdWriter turns lines written by a *log.Logger into hclog calls.
type stdWriter struct {
	log         hclog.Logger
	inferLevels bool
}

func (w *stdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == '\r') {
		msg = msg[:len(msg)-1]
	}
	level := hclog.Info
	if w.inferLevels {
		level, msg = inferLevel(msg)
	}
	w.log.Log(level, msg)
	return len(p), nil
}

// inferLevel strips a leading "[LEVEL]" tag the way hclog's own writer does.
func inferLevel(msg string) (hclog.Level, string) {
	tags := []struct {
		prefix string
		level  hclog.Level
	}{
		{"[TRACE] ", hclog.Trace},
		{"[DEBUG] ", hclog.Debug},
		{"[INFO] ", hclog.Info},
		{"[WARN] ", hclog.Warn},
		{"[ERROR] ", hclog.Error},
		{"[ERR] ", hclog.Error},
	}
	for _, t := range tags {
		if len(msg) >= len(t.prefix) && msg[:len(t.prefix)] == t.prefix {
			return t.level, msg[len(t.prefix):]
		}
	}
	return hclog.Info, msg
}
