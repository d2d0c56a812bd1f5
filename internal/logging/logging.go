// Package logging provides the structured logger shared by operator components.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// Context Fields
// =============================================================================

type ctxKey int

const (
	attemptIDKey ctxKey = iota
	requestIDKey
	traceIDKey
)

// WithAttemptID annotates ctx with a fulfillment attempt id.
func WithAttemptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptIDKey, id)
}

// WithRequestID annotates ctx with a randomness request id.
func WithRequestID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithTraceID annotates ctx with an HTTP trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID returns the trace id stored in ctx, if any.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// AttemptID returns the attempt id stored in ctx, if any.
func AttemptID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(attemptIDKey).(string); ok {
		return id
	}
	return ""
}

// =============================================================================
// Logger
// =============================================================================

// Config selects the level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output io.Writer
}

// Logger wraps logrus with a fixed service field.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger for the named service.
func New(service string, cfg Config) *Logger {
	l := logrus.New()
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return &Logger{Logger: l, service: service}
}

// NewDiscard returns a logger that drops everything, for tests.
func NewDiscard() *Logger {
	return New("test", Config{Level: "panic", Output: io.Discard})
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying the service name and any ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	entry = entry.WithContext(ctx)
	if id := AttemptID(ctx); id != "" {
		entry = entry.WithField("attempt_id", id)
	}
	if id, ok := ctx.Value(requestIDKey).(uint64); ok {
		entry = entry.WithField("request_id", id)
	}
	if id := TraceID(ctx); id != "" {
		entry = entry.WithField("trace_id", id)
	}
	return entry
}

// WithFields returns an entry with the service name and the given fields.
func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithFields(fields)
}

// WithError returns an entry with the service name and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithError(err)
}
