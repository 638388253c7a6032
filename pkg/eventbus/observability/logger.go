// Package observability provides structured logging, metrics, and tracing
// for the event bus.
//
// Features:
//   - Structured logging via slog, with devslog for interactive terminals
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, env.ID, env.Type, env.TenantID)
//	enriched.Info("doing work") // includes event_id, event_type, tenant_id
func EnrichLogger(logger *slog.Logger, eventID, eventType, tenantID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("tenant_id", tenantID),
	)
}

// LogPublish logs a successful publish.
func LogPublish(logger *slog.Logger, eventID, eventType, position string) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("position", position),
	)
}

// LogPublishError logs a failed append to the main log.
func LogPublishError(logger *slog.Logger, eventID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event publish failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogMetadataError logs a bookkeeping write that was abandoned after retries.
func LogMetadataError(logger *slog.Logger, eventID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("metadata write abandoned",
		slog.String("event_id", eventID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogDispatch logs the start of dispatching one delivery.
func LogDispatch(logger *slog.Logger, eventID, eventType string, handlers int) {
	if logger == nil {
		return
	}
	logger.Debug("dispatching event",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("handlers", handlers),
	)
}

// LogHandlerError logs a handler failure.
func LogHandlerError(logger *slog.Logger, eventID, eventType, handler string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogValidationError logs an advisory payload validation failure.
func LogValidationError(logger *slog.Logger, eventID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("payload validation failed, dispatching anyway",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogRetryScheduled logs a scheduled redelivery.
func LogRetryScheduled(logger *slog.Logger, eventID, handler string, attempt int, delay time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("retry scheduled",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// LogDeadLetter logs an event moved to the dead letter queue.
func LogDeadLetter(logger *slog.Logger, eventID, handler string, attempts int, reason string) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Int("attempts", attempts),
		slog.String("failure_reason", reason),
	)
}

// LogDLQCapacity logs dead letter queue usage crossing an alert threshold.
func LogDLQCapacity(logger *slog.Logger, length, capacity int64, critical bool) {
	if logger == nil {
		return
	}
	usage := float64(length) / float64(capacity) * 100
	attrs := []any{
		slog.Int64("length", length),
		slog.Int64("capacity", capacity),
		slog.Float64("usage_percent", usage),
	}
	if critical {
		logger.Error("dead letter queue critically full", attrs...)
		return
	}
	logger.Warn("dead letter queue nearing capacity", attrs...)
}

// LogReadError logs a failed broker read.
func LogReadError(logger *slog.Logger, consecutive, ceiling int, category string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("broker read failed",
		slog.Int("consecutive_errors", consecutive),
		slog.Int("ceiling", ceiling),
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
}

// LogCircuitOpen logs the consumer giving up after too many read errors.
func LogCircuitOpen(logger *slog.Logger, consumer string, consecutive int, err error) {
	if logger == nil {
		return
	}
	logger.Error("consumer stopping: broker unreachable",
		slog.String("consumer", consumer),
		slog.Int("consecutive_errors", consecutive),
		slog.String("error", err.Error()),
	)
}

// LogReplayComplete logs the end of a replay job.
func LogReplayComplete(logger *slog.Logger, jobID string, replayed, candidates int, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("replay failed",
			slog.String("job_id", jobID),
			slog.Int("events_replayed", replayed),
			slog.Int("candidates", candidates),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("replay completed",
		slog.String("job_id", jobID),
		slog.Int("events_replayed", replayed),
		slog.Int("candidates", candidates),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
