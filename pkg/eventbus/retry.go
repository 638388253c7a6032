package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	eberrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// failedFrom is every status a handler failure may overwrite with FAILED.
// DEAD_LETTERED is left alone: only an operator moves an event out of it.
var failedFrom = []metadata.Status{
	metadata.StatusPending,
	metadata.StatusProcessing,
	metadata.StatusCompleted,
	metadata.StatusFailed,
}

// DefaultBackoff is the redelivery delay indexed by attempt. Attempts past
// the end of the table use the last entry.
var DefaultBackoff = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
}

// RetryPolicy configures a RetryCoordinator.
type RetryPolicy struct {
	// Stream is the main log that redeliveries are appended to.
	Stream string

	// Backoff is the delay table. Default: DefaultBackoff.
	Backoff []time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// RetryCoordinator decides what happens to a failed handler invocation:
// a delayed redelivery to the main log, or the dead letter queue once the
// handler's retries are exhausted.
type RetryCoordinator struct {
	broker    broker.Broker
	store     metadata.Store
	dlq       *DeadLetterQueue
	scheduler DelayScheduler
	stream    string
	backoff   []time.Duration
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
}

// NewRetryCoordinator creates a retry coordinator.
func NewRetryCoordinator(b broker.Broker, store metadata.Store, dlq *DeadLetterQueue, scheduler DelayScheduler, policy RetryPolicy) *RetryCoordinator {
	if policy.Stream == "" {
		policy.Stream = DefaultMainStream
	}
	if len(policy.Backoff) == 0 {
		policy.Backoff = DefaultBackoff
	}
	if policy.Logger == nil {
		policy.Logger = slog.Default()
	}
	if policy.Metrics == nil {
		policy.Metrics = observability.NoopMetrics{}
	}
	if policy.Spans == nil {
		policy.Spans = observability.NoopSpanManager{}
	}
	return &RetryCoordinator{
		broker:    b,
		store:     store,
		dlq:       dlq,
		scheduler: scheduler,
		stream:    policy.Stream,
		backoff:   append([]time.Duration(nil), policy.Backoff...),
		logger:    policy.Logger,
		metrics:   policy.Metrics,
		spans:     policy.Spans,
	}
}

// Delay returns the backoff for a zero-based attempt number.
func (c *RetryCoordinator) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(c.backoff) {
		return c.backoff[len(c.backoff)-1]
	}
	return c.backoff[attempt]
}

// ScheduleRetry handles a failure of sub on its attempt-th delivery of env
// (zero for the first delivery).
//
// Below the handler's retry limit it records the attempt, marks the event
// FAILED unless a sibling already dead-lettered it, and schedules a
// redelivery targeted at sub. At the limit it moves
// the event to the dead letter queue and marks it DEAD_LETTERED.
//
// A nil return means the failure was handed off and the delivery can be
// acknowledged. Metadata write failures are logged, never returned.
func (c *RetryCoordinator) ScheduleRetry(ctx context.Context, env *event.Envelope, sub *Subscription, cause error, attempt int) error {
	if attempt >= sub.MaxRetries {
		return c.DeadLetter(ctx, env, sub.Name, cause, attempt)
	}

	fields, err := redeliveryFields(env, sub, attempt+1)
	if err != nil {
		return err
	}

	delay := c.Delay(attempt)
	bookkeep(ctx, c.logger, env.ID, "record_attempt", func(ctx context.Context) error {
		_, err := c.store.RecordAttempt(ctx, env.ID, attempt+1, cause.Error(), metadata.StatusFailed, failedFrom...)
		return err
	})

	if err := c.scheduler.Schedule(delay, c.redeliver(env, sub, fields)); err != nil {
		return fmt.Errorf("schedule retry of %s for %s: %w", env.ID, sub.Name, err)
	}

	c.metrics.RecordRetry(ctx, env.Type, sub.Name, attempt+1)
	c.spans.AddSpanEvent(ctx, "retry_scheduled",
		attribute.String("handler", sub.Name),
		attribute.Int("attempt", attempt+1),
		attribute.String("delay", delay.String()),
	)
	observability.LogRetryScheduled(c.logger, env.ID, sub.Name, attempt+1, delay)
	return nil
}

// redeliver returns the task that re-appends env to the main log.
func (c *RetryCoordinator) redeliver(env *event.Envelope, sub *Subscription, fields map[string]string) func(context.Context) {
	return func(ctx context.Context) {
		err := eberrors.Do(ctx, eberrors.BookkeepingRetry, func(ctx context.Context) error {
			_, err := c.broker.Append(ctx, c.stream, fields)
			return err
		})
		if err != nil {
			c.logger.Error("redelivery lost",
				slog.String("event_id", env.ID),
				slog.String("handler", sub.Name),
				slog.String("attempt", fields[FieldAttempt]),
				slog.String("error", err.Error()),
			)
		}
	}
}

// DeadLetter moves env to the dead letter queue and marks it DEAD_LETTERED
// with attempts recorded. It returns an error only if the dead letter
// append failed.
func (c *RetryCoordinator) DeadLetter(ctx context.Context, env *event.Envelope, handler string, cause error, attempts int) error {
	reason := cause.Error()
	dl := DeadLetter{
		EventID:       env.ID,
		TenantID:      env.TenantID,
		Handler:       handler,
		Attempts:      attempts,
		FailureReason: reason,
		Envelope:      env,
	}

	err := eberrors.Do(ctx, eberrors.BookkeepingRetry, func(ctx context.Context) error {
		_, err := c.dlq.Append(ctx, dl)
		return err
	})
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", env.ID, err)
	}

	bookkeep(ctx, c.logger, env.ID, "dead_letter", func(ctx context.Context) error {
		_, err := c.store.RecordAttempt(ctx, env.ID, attempts, reason, metadata.StatusDeadLettered)
		return err
	})

	c.metrics.RecordDeadLetter(ctx, env.Type, handler)
	c.spans.AddSpanEvent(ctx, "dead_lettered",
		attribute.String("handler", handler),
		attribute.Int("attempts", attempts),
	)
	observability.LogDeadLetter(c.logger, env.ID, handler, attempts, reason)
	return nil
}

// DeadLetterRaw moves an entry that cannot be decoded to the dead letter
// queue with its raw body.
func (c *RetryCoordinator) DeadLetterRaw(ctx context.Context, msg broker.Message, cause error) error {
	dl := DeadLetter{
		EventID:       msg.Fields[FieldEventID],
		TenantID:      msg.Fields[FieldTenantID],
		FailureReason: cause.Error(),
		Raw:           msg.Fields[FieldEnvelope],
	}
	err := eberrors.Do(ctx, eberrors.BookkeepingRetry, func(ctx context.Context) error {
		_, err := c.dlq.Append(ctx, dl)
		return err
	})
	if err != nil {
		return fmt.Errorf("dead letter entry %s: %w", msg.ID, err)
	}

	c.metrics.RecordDeadLetter(ctx, msg.Fields[FieldType], "")
	observability.LogDeadLetter(c.logger, dl.EventID, "", 0, dl.FailureReason)
	return nil
}
