package compensate

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the structured logging surface used by LockManager and Transaction.
// Arguments after msg are alternating keys and values.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)

	// With returns a Logger that adds keysAndValues to every entry.
	With(keysAndValues ...any) Logger
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l. A nil l logs text to stderr at info level.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Debugw(msg string, kvs ...any) { s.l.Log(context.Background(), slog.LevelDebug, msg, kvs...) }
func (s *SlogLogger) Infow(msg string, kvs ...any)  { s.l.Log(context.Background(), slog.LevelInfo, msg, kvs...) }
func (s *SlogLogger) Warnw(msg string, kvs ...any)  { s.l.Log(context.Background(), slog.LevelWarn, msg, kvs...) }
func (s *SlogLogger) Errorw(msg string, kvs ...any) { s.l.Log(context.Background(), slog.LevelError, msg, kvs...) }

func (s *SlogLogger) With(kvs ...any) Logger {
	return &SlogLogger{l: s.l.With(kvs...)}
}

// NoOpLogger discards everything. Each method can be overridden for tests.
type NoOpLogger struct {
	DebugwFunc func(string, ...any)
	InfowFunc  func(string, ...any)
	WarnwFunc  func(string, ...any)
	ErrorwFunc func(string, ...any)
}

// NewNoOpLogger returns a Logger that discards all log messages.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Debugw(msg string, kvs ...any) {
	if l.DebugwFunc != nil {
		l.DebugwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Infow(msg string, kvs ...any) {
	if l.InfowFunc != nil {
		l.InfowFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Warnw(msg string, kvs ...any) {
	if l.WarnwFunc != nil {
		l.WarnwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Errorw(msg string, kvs ...any) {
	if l.ErrorwFunc != nil {
		l.ErrorwFunc(msg, kvs...)
	}
}

// With returns the same NoOpLogger; context is not stored.
func (l *NoOpLogger) With(keysAndValues ...any) Logger { return l }
