package logging

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultRecentSize = 500

// Recent keeps the last encoded log entries in memory for diagnostics.
type Recent struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recent{lines: make([]string, size)}
}

// Write stores one encoded entry. zap hands the core a single entry per call.
func (r *Recent) Write(p []byte) (int, error) {
	line := string(bytes.TrimRight(p, "\n"))
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

func (r *Recent) Sync() error {
	return nil
}

func (r *Recent) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Lines returns up to limit entries, most recent first. A limit of zero or
// less returns everything kept.
func (r *Recent) Lines(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.next
	if r.full {
		count = len(r.lines)
	}
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		idx := (r.next - i + len(r.lines)) % len(r.lines)
		out = append(out, r.lines[idx])
	}
	return out
}

// Tee copies every entry logger emits into recent as JSON, at the logger's
// own level.
func Tee(logger *zap.Logger, recent *Recent) *zap.Logger {
	if recent == nil {
		return logger
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, zapcore.NewCore(encoder, recent, core))
	}))
}
