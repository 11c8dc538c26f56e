package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// CaptureLogger forwards to a base logger and records every entry as a
// workflow.LogEntry for the node it is scoped to. Child loggers created with
// With share the same buffer.
type CaptureLogger struct {
	base   rwlog.Logger
	nodeID string
	sink   *captureSink
	mask   func(string) string
}

type captureSink struct {
	mu      sync.Mutex
	entries []workflow.LogEntry
}

var _ rwlog.Logger = (*CaptureLogger)(nil)

// NewCaptureLogger returns a logger that tees into base and a node log.
func NewCaptureLogger(base rwlog.Logger, nodeID string) *CaptureLogger {
	return &CaptureLogger{base: base, nodeID: nodeID, sink: &captureSink{}}
}

// WithMask returns a logger that passes every message and string attribute
// through mask before it is captured or forwarded.
func (c *CaptureLogger) WithMask(mask func(string) string) *CaptureLogger {
	return &CaptureLogger{base: c.base, nodeID: c.nodeID, sink: c.sink, mask: mask}
}

func (c *CaptureLogger) masked(msg string, args []interface{}) (string, []interface{}) {
	if c.mask == nil {
		return msg, args
	}
	out := make([]interface{}, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok && i%2 == 1 {
			out[i] = c.mask(s)
			continue
		}
		out[i] = a
	}
	return c.mask(msg), out
}

// Entries returns a copy of everything captured so far.
func (c *CaptureLogger) Entries() []workflow.LogEntry {
	c.sink.mu.Lock()
	defer c.sink.mu.Unlock()
	out := make([]workflow.LogEntry, len(c.sink.entries))
	copy(out, c.sink.entries)
	return out
}

func (c *CaptureLogger) record(level slog.Level, msg string, args []interface{}) {
	entry := workflow.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     levelName(level),
		Message:   msg,
		NodeID:    c.nodeID,
	}
	if data := attrsToMap(args); len(data) > 0 {
		entry.Data = data
	}
	c.sink.mu.Lock()
	c.sink.entries = append(c.sink.entries, entry)
	c.sink.mu.Unlock()
}

func (c *CaptureLogger) Debugf(format string, args ...interface{}) {
	msg, _ := c.masked(fmt.Sprintf(format, args...), nil)
	c.record(slog.LevelDebug, msg, nil)
	c.base.Debugf("%s", msg)
}

func (c *CaptureLogger) Infof(format string, args ...interface{}) {
	msg, _ := c.masked(fmt.Sprintf(format, args...), nil)
	c.record(slog.LevelInfo, msg, nil)
	c.base.Infof("%s", msg)
}

func (c *CaptureLogger) Warnf(format string, args ...interface{}) {
	msg, _ := c.masked(fmt.Sprintf(format, args...), nil)
	c.record(slog.LevelWarn, msg, nil)
	c.base.Warnf("%s", msg)
}

func (c *CaptureLogger) Errorf(format string, args ...interface{}) {
	msg, _ := c.masked(fmt.Sprintf(format, args...), nil)
	c.record(slog.LevelError, msg, nil)
	c.base.Errorf("%s", msg)
}

func (c *CaptureLogger) Log(level slog.Level, msg string, args ...interface{}) {
	msg, args = c.masked(msg, args)
	c.record(level, msg, args)
	c.base.Log(level, msg, args...)
}

func (c *CaptureLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	msg, args = c.masked(msg, args)
	c.record(level, msg, args)
	c.base.LogCtx(ctx, level, msg, args...)
}

func (c *CaptureLogger) With(args ...interface{}) rwlog.Logger {
	_, args = c.masked("", args)
	return &CaptureLogger{base: c.base.With(args...), nodeID: c.nodeID, sink: c.sink, mask: c.mask}
}

func (c *CaptureLogger) IsEnabled(level slog.Level) bool {
	return c.base.IsEnabled(level)
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return workflow.LevelError
	case level >= slog.LevelWarn:
		return workflow.LevelWarn
	case level >= slog.LevelInfo:
		return workflow.LevelInfo
	default:
		return workflow.LevelDebug
	}
}

// attrsToMap turns slog-style key-value args into a map. Odd trailing values
// are stored under "!BADKEY" the way slog does.
func attrsToMap(args []interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(args)/2)
	for i := 0; i < len(args); i++ {
		switch v := args[i].(type) {
		case slog.Attr:
			out[v.Key] = v.Value.Any()
		case string:
			if i+1 < len(args) {
				out[v] = args[i+1]
				i++
			} else {
				out["!BADKEY"] = v
			}
		default:
			out["!BADKEY"] = v
		}
	}
	return out
}
