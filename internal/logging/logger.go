// Package logging provides structured logging with trace support
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger interface for structured logging with trace support
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})

	// Context-aware logging with trace IDs
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})
	DebugContext(ctx context.Context, msg string, fields ...interface{})

	WithTraceID(traceID string) Logger
	WithComponent(component string) Logger
}

// ContextKey represents keys used in context for trace IDs
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
)

// Options configures a new logger.
type Options struct {
	Level  string
	Format string // json or console
	Output io.Writer
}

// StructuredLogger is a Logger on top of zerolog. Output defaults to stderr
// because stdout carries the stdio MCP stream.
type StructuredLogger struct {
	zl zerolog.Logger
}

// NewLogger creates a new structured logger
func NewLogger(opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).
		Level(ParseLogLevel(opts.Level)).
		With().
		Timestamp().
		Logger()
	return &StructuredLogger{zl: zl}
}

// OpenFile opens a log file for appending, creating it if needed.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func (l *StructuredLogger) WithTraceID(traceID string) Logger {
	return &StructuredLogger{zl: l.zl.With().Str(string(TraceIDKey), traceID).Logger()}
}

func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{zl: l.zl.With().Str("component", component).Logger()}
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.write(context.Background(), l.zl.Info(), msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.write(context.Background(), l.zl.Warn(), msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.write(context.Background(), l.zl.Error(), msg, fields)
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.write(context.Background(), l.zl.Debug(), msg, fields)
}

func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.write(ctx, l.zl.Info(), msg, fields)
}

func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.write(ctx, l.zl.Warn(), msg, fields)
}

func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.write(ctx, l.zl.Error(), msg, fields)
}

func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.write(ctx, l.zl.Debug(), msg, fields)
}

// write attaches the key/value pairs and the context trace ID to ev.
// A dangling key is logged under field_N.
func (l *StructuredLogger) write(ctx context.Context, ev *zerolog.Event, msg string, fields []interface{}) {
	if ev == nil {
		return
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		ev = ev.Str(string(TraceIDKey), traceID)
	}
	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			ev = ev.Interface(fmt.Sprintf("field_%d", i), fields[i])
			break
		}
		key := fmt.Sprintf("%v", fields[i])
		if err, ok := fields[i+1].(error); ok {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, fields[i+1])
	}
	ev.Msg(msg)
}

// GenerateTraceID returns a new random trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores traceID in ctx, generating one when empty
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// ParseLogLevel maps a level name to a zerolog level, defaulting to info
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO", "":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
