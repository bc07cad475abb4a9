// Package logger provides the structured logger shared across the gateway
// and the privileged daemon. The teacher repo references pkg/logger from
// nine call sites but ships no implementation in this retrieval; this
// wraps go.uber.org/zap (the only structured-logging dependency present
// anywhere in the example pack) behind the small call shape the kept
// teacher packages already assume: Info/Warn/Error(msg string, fields...).
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a sugared zap logger with the field-style calls the rest
// of the codebase uses.
type Logger struct {
	z *zap.Logger
}

// Field re-exports zap.Field so call sites don't need a direct zap import.
type Field = zap.Field

func String(key, val string) Field   { return zap.String(key, val) }
func Int(key string, val int) Field  { return zap.Int(key, val) }
func Int64(key string, val int64) Field { return zap.Int64(key, val) }
func Float64(key string, val float64) Field { return zap.Float64(key, val) }
func Bool(key string, val bool) Field { return zap.Bool(key, val) }
func Err(err error) Field            { return zap.Error(err) }
func Duration(key string, nanos int64) Field { return zap.Int64(key, nanos) }

// New builds a Logger. level is one of "debug","info","warn","error".
// format is "json" (production) or "console" (development); anything
// else defaults to "json".
func New(level, format string) *Logger {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Sync flushes buffered log entries; call during shutdown.
func (l *Logger) Sync() error { return l.z.Sync() }

// With returns a child logger annotated with the given fields.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}
