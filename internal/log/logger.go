// Package log provides structured logging for prison using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with hook-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Or returns l, or the global logger, or a no-op logger, in that order.
// Constructors use it so a nil logger argument is always safe.
func Or(l *Logger) *Logger {
	if l != nil {
		return l
	}
	if L != nil {
		return L
	}
	return NewNop()
}

// HookInstalled logs a successful hook installation.
func (l *Logger) HookInstalled(id, strategy string, fields ...zap.Field) {
	l.Debug("hook installed", append([]zap.Field{
		zap.String("hook", id),
		zap.String("strategy", strategy),
	}, fields...)...)
}

// HookFailed logs a hook that could not be installed. The process keeps
// running with the original behavior.
func (l *Logger) HookFailed(id, strategy string, err error) {
	l.Warn("hook not installed",
		zap.String("hook", id),
		zap.String("strategy", strategy),
		zap.Error(err),
	)
}

// Fallback logs a bridge call that degraded to the original value.
func (l *Logger) Fallback(op string, err error) {
	l.Debug("use original",
		zap.String("op", op),
		zap.Error(err),
	)
}

// Redirect logs a path rewrite.
func (l *Logger) Redirect(site, from, to string) {
	l.Debug("redirect",
		zap.String("site", site),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// WithComponent returns a logger with the component field preset.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("component", name))}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Thread creates a thread id field.
func Thread(tid int64) zap.Field {
	return zap.Int64("tid", tid)
}
