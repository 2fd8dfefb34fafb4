package localfirst

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// MetricsCollector interface for metrics collection
type MetricsCollector interface {
	// RecordRequestProcessed records a change request the loop processed
	// for the named replica
	RecordRequestProcessed(replica string, duration time.Duration)

	// RecordRejection records a change request a backend refused
	RecordRejection(replica string)

	// RecordDeliveryFailure records a notification that could not be
	// delivered to the editing contexts
	RecordDeliveryFailure()

	// RecordQueueDepth records the number of requests waiting for a replica
	RecordQueueDepth(replica string, depth int)

	// RecordPendingOps records the own operations a replica has not yet seen
	// confirmed
	RecordPendingOps(replica string, pending int)

	// RecordError records an error event
	RecordError(errorType string)
}

// slogLogger is the default logger, a log/slog text handler
type slogLogger struct {
	logger *slog.Logger
}

// NewLogger returns a Logger writing text records at or above level to w.
// A nil w means standard error.
func NewLogger(w io.Writer, level slog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &slogLogger{logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NewSlogLogger wraps an existing slog.Logger
func NewSlogLogger(logger *slog.Logger) Logger {
	return &slogLogger{logger: logger}
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, attrs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, attrs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, attrs(fields)...)
}

func attrs(fields []Field) []any {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, formatValue(f.Value)))
	}
	return args
}

func formatValue(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

// NopLogger discards everything
func NopLogger() Logger {
	return nopLogger{}
}
