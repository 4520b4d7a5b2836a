// Package logging provides the structured logger every package in this
// module takes as a dependency, instead of calling log/slog's package-level
// functions directly. It is a thin, narrowed translation of the teacher
// soft_phone repo's pkg/dialog StructuredLogger/Field/LogLevel vocabulary
// onto log/slog, so call sites read the same way ("logger.Error(ctx, msg,
// logging.String(...))") without hand-rolling JSON encoding or caller-frame
// capture that slog already does well.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogLevel mirrors the teacher's LogLevel enum; it exists as a named type
// (rather than exposing slog.Level directly) so callers don't need the
// slog import just to set a level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Field is a named log value, built with the helpers below. It exists so
// call sites don't need to import log/slog for the common case.
type Field = slog.Attr

func String(key, value string) Field  { return slog.String(key, value) }
func Int(key string, value int) Field { return slog.Int(key, value) }
func Bool(key string, value bool) Field { return slog.Bool(key, value) }
func Any(key string, value any) Field { return slog.Any(key, value) }
func Err(err error) Field             { return slog.Any("error", err) }

// Logger is the structured logger used throughout this module: a
// component-scoped, field-scoped wrapper around *slog.Logger.
type Logger struct {
	base *slog.Logger
}

// New returns a Logger writing JSON records to w at the given minimum
// level. A nil w defaults to os.Stderr.
func New(w io.Writer, level LogLevel) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level.slogLevel()})
	return &Logger{base: slog.New(h)}
}

// Default returns a Logger backed by slog's current default logger, for
// callers that don't need their own handler configuration.
func Default() *Logger { return &Logger{base: slog.Default()} }

// WithComponent scopes subsequent log records with a "component" field,
// mirroring the teacher's WithComponent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base.With("component", component)}
}

// WithFields returns a Logger with the given fields attached to every
// subsequent record.
func (l *Logger) WithFields(fields ...Field) *Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return &Logger{base: l.base.With(args...)}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.base.LogAttrs(ctx, slog.LevelDebug, msg, fields...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.base.LogAttrs(ctx, slog.LevelInfo, msg, fields...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.base.LogAttrs(ctx, slog.LevelWarn, msg, fields...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.base.LogAttrs(ctx, slog.LevelError, msg, fields...)
}

// LogError logs err at error level with msg, appending it as the "error"
// field alongside any extra fields.
func (l *Logger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.Error(ctx, msg, append(fields, Err(err))...)
}
