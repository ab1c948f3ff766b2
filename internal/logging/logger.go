// Package logging is the structured logger shared by every binary. Entries carry the
// service name and, when a span is active, the trace and span ids.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/harbor_relay/internal/tracing"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	baseOnce sync.Once
	base     *zap.Logger
)

// SetLevel changes the level of every logger built from the shared core.
// Unknown names leave the level unchanged.
func SetLevel(name string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err == nil {
		level.SetLevel(l)
	}
}

func sharedCore() *zap.Logger {
	baseOnce.Do(func() {
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			SetLevel(v)
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = level
		cfg.Sampling = nil
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		z, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			z = zap.NewNop()
		}
		base = z
	})
	return base
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	z       *zap.Logger
}

// New creates a logger for the given service on the shared JSON core
func New(service string) *Logger {
	return NewWithZap(service, sharedCore())
}

// NewWithZap wraps an existing zap logger, mostly for tests
func NewWithZap(service string, z *zap.Logger) *Logger {
	if service != "" {
		z = z.With(zap.String("service", service))
	}
	return &Logger{service: service, z: z}
}

// Sync flushes buffered entries
func (l *Logger) Sync() {
	_ = l.z.Sync()
}

// LogEntry accumulates fields until one of the level methods writes it
type LogEntry struct {
	z      *zap.Logger
	fields []zap.Field
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{z: l.z}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.fields = append(e.fields, zap.String("trace_id", traceID))
	}
	if spanID := tracing.GetSpanID(ctx); spanID != "" {
		e.fields = append(e.fields, zap.String("span_id", spanID))
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	return e.add(zap.String("delivery_id", deliveryID))
}

func (e *LogEntry) WithSubscription(subscriptionID string) *LogEntry {
	return e.add(zap.String("subscription_id", subscriptionID))
}

func (e *LogEntry) WithAttempt(n int) *LogEntry {
	return e.add(zap.Int("attempt", n))
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return e.add(zap.Any(key, value))
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, zap.Any(k, v))
	}
	return e
}

// WithError adds an error field to the log entry. A nil error is ignored.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.add(zap.Error(err))
}

func (e *LogEntry) add(f zap.Field) *LogEntry {
	e.fields = append(e.fields, f)
	return e
}

func (e *LogEntry) Debug(message string) { e.z.Debug(message, e.fields...) }

func (e *LogEntry) Debugf(format string, args ...any) { e.Debug(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Info(message string) { e.z.Info(message, e.fields...) }

func (e *LogEntry) Infof(format string, args ...any) { e.Info(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.z.Warn(message, e.fields...) }

func (e *LogEntry) Warnf(format string, args ...any) { e.Warn(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.z.Error(message, e.fields...) }

func (e *LogEntry) Errorf(format string, args ...any) { e.Error(fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.z.Fatal(message, e.fields...) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) { e.Fatal(fmt.Sprintf(format, args...)) }

// Global convenience functions

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

func getDefault() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("harbor-relay")
	}
	return defaultLogger
}

// SetDefault replaces the logger used by the package-level helpers
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	SetDefault(New(service))
}

// WithContext creates a log entry with trace correlation using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return getDefault().WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return getDefault().WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return getDefault().Plain()
}
