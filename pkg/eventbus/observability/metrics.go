package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an append to the main log.
	RecordPublish(ctx context.Context, eventType string, err error)

	// RecordHandler records one handler invocation.
	RecordHandler(ctx context.Context, eventType, handler string, duration time.Duration, err error)

	// RecordRetry records a scheduled redelivery.
	RecordRetry(ctx context.Context, eventType, handler string, attempt int)

	// RecordDeadLetter records an event moved to the DLQ.
	RecordDeadLetter(ctx context.Context, eventType, handler string)

	// RecordReadError records a failed broker read.
	RecordReadError(ctx context.Context, consumer string)

	// RecordReplayed records an event re-published by a replay job.
	RecordReplayed(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published      metric.Int64Counter
	publishErrors  metric.Int64Counter
	handlerCalls   metric.Int64Counter
	handlerErrors  metric.Int64Counter
	handlerLatency metric.Float64Histogram
	retries        metric.Int64Counter
	deadLetters    metric.Int64Counter
	readErrors     metric.Int64Counter
	replayedEvents metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventbus")
	m := &otelMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.published, "eventbus.publish.events", "Number of events appended to the main log"},
		{&m.publishErrors, "eventbus.publish.errors", "Number of failed appends to the main log"},
		{&m.handlerCalls, "eventbus.handler.invocations", "Number of handler invocations"},
		{&m.handlerErrors, "eventbus.handler.errors", "Number of handler failures"},
		{&m.retries, "eventbus.retry.scheduled", "Number of scheduled redeliveries"},
		{&m.deadLetters, "eventbus.dlq.events", "Number of events moved to the dead letter queue"},
		{&m.readErrors, "eventbus.consumer.read_errors", "Number of failed broker reads"},
		{&m.replayedEvents, "eventbus.replay.events", "Number of events re-published by replay jobs"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	latency, err := meter.Float64Histogram("eventbus.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.handlerLatency = latency

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records an append to the main log.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
		return
	}
	m.published.Add(ctx, 1, attrs)
}

// RecordHandler records one handler invocation.
func (m *otelMetrics) RecordHandler(ctx context.Context, eventType, handler string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
	)
	m.handlerCalls.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

// RecordRetry records a scheduled redelivery.
func (m *otelMetrics) RecordRetry(ctx context.Context, eventType, handler string, attempt int) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
		attribute.Int("attempt", attempt),
	))
}

// RecordDeadLetter records an event moved to the DLQ.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType, handler string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
	))
}

// RecordReadError records a failed broker read.
func (m *otelMetrics) RecordReadError(ctx context.Context, consumer string) {
	m.readErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer", consumer)))
}

// RecordReplayed records an event re-published by a replay job.
func (m *otelMetrics) RecordReplayed(ctx context.Context, eventType string) {
	m.replayedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
