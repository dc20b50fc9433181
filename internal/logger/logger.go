// Package logger fronts the process-wide structured logger.
//
// Output is JSON on stderr so stdout stays clean for the stdio tool
// transport. A redaction function can be installed once at startup;
// after that every message and string field passes through it before
// encoding.
package logger

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the key-value logging surface handed to components.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	Named(name string) Logger
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// redactFn holds the installed redaction function. The default is the
// identity so logging works before credentials are resolved.
var redactFn atomic.Value

func init() {
	redactFn.Store(func(s string) string { return s })
}

// SetRedactor installs the redaction function applied to every logged
// message and string value.
func SetRedactor(fn func(string) string) {
	if fn != nil {
		redactFn.Store(fn)
	}
}

func redact(s string) string {
	return redactFn.Load().(func(string) string)(s)
}

// New builds the process logger at the given level ("debug", "info",
// "warn", "error"; anything else falls back to info).
func New(level string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Config above is static; Build only fails on invalid sinks.
		l = zap.NewNop()
	}
	return &zapLogger{s: l.Sugar()}
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// scrub applies redaction to the message and to every string-typed
// value in the key/value list.
func scrub(msg string, keysAndValues []any) (string, []any) {
	out := make([]any, len(keysAndValues))
	for i, v := range keysAndValues {
		switch t := v.(type) {
		case string:
			out[i] = redact(t)
		case error:
			out[i] = redact(t.Error())
		default:
			out[i] = v
		}
	}
	return redact(msg), out
}

func (l *zapLogger) Debugw(msg string, keysAndValues ...any) {
	m, kv := scrub(msg, keysAndValues)
	l.s.Debugw(m, kv...)
}

func (l *zapLogger) Infow(msg string, keysAndValues ...any) {
	m, kv := scrub(msg, keysAndValues)
	l.s.Infow(m, kv...)
}

func (l *zapLogger) Warnw(msg string, keysAndValues ...any) {
	m, kv := scrub(msg, keysAndValues)
	l.s.Warnw(m, kv...)
}

func (l *zapLogger) Errorw(msg string, keysAndValues ...any) {
	m, kv := scrub(msg, keysAndValues)
	l.s.Errorw(m, kv...)
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{s: l.s.Named(name)}
}

func (l *zapLogger) Sync() error {
	return l.s.Sync()
}
