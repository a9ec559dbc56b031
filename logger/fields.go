package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across pulsed.
const (
	// Identity
	FieldJobID         = "job_id"
	FieldCorrelationID = "correlation_id"
	FieldHandleID      = "handle_id"
	FieldRequestID     = "request_id"
	FieldToken         = "token"
	FieldOwner         = "owner"
	FieldRecordID      = "record_id"

	// Components
	FieldComponent = "component"
	FieldBackend   = "backend"
	FieldRecipient = "recipient"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldFireAt     = "fire_at"
	FieldDelay      = "delay"
	FieldInterval   = "interval"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount    = "count"
	FieldRetries  = "retries"
	FieldExecuted = "execution_counter"

	// Status
	FieldStatus   = "status"
	FieldPrevious = "previous"
	FieldRole     = "role"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"

	// FieldSymbol carries the segment glyph (꩜, ✿, ❀, ♛ ...)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns l with the fields carried by ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	sched := scheduler.New(repo, timers, resolver, cfg, logger.ComponentLogger("pulse.scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
