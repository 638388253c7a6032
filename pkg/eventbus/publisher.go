package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// PublishContext carries the caller-supplied envelope fields.
type PublishContext struct {
	TenantID string
	ActorID  string

	// CorrelationID links the event to a causal chain. A fresh one is
	// generated when empty.
	CorrelationID string

	// Source overrides the publisher's default source tag.
	Source string

	// ReplayOf marks the event as re-published by a replay job.
	ReplayOf string
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Stream is the main log. Default: "events.main".
	Stream string

	// Source is the default origin tag stamped on envelopes.
	Source string

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Publisher appends envelopes to the main log and records their metadata.
type Publisher struct {
	broker  broker.Broker
	store   metadata.Store
	stream  string
	source  string
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// NewPublisher creates a publisher.
func NewPublisher(b broker.Broker, store metadata.Store, cfg PublisherConfig) *Publisher {
	if cfg.Stream == "" {
		cfg.Stream = DefaultMainStream
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Publisher{
		broker:  b,
		store:   store,
		stream:  cfg.Stream,
		source:  cfg.Source,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		spans:   cfg.Spans,
	}
}

// Publish builds an envelope, appends it to the main log and writes its
// PENDING metadata record. It returns the generated event ID.
//
// A failed append is returned as a *PublishError. A failed metadata write
// after a successful append is logged and does not fail the call: the event
// is already durable.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any, pc PublishContext) (string, error) {
	if eventType == "" {
		return "", fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}

	opts := []event.Option{
		event.WithActorID(pc.ActorID),
		event.WithCorrelationID(pc.CorrelationID),
		event.WithSource(p.source),
		event.WithReplayOf(pc.ReplayOf),
	}
	if pc.Source != "" {
		opts = append(opts, event.WithSource(pc.Source))
	}

	env, err := event.New(eventType, pc.TenantID, payload, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := p.PublishEnvelope(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// PublishEnvelope publishes a prepared envelope. Missing id, timestamp and
// correlation id are filled in.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *event.Envelope) error {
	if env.ID == "" || env.Timestamp.IsZero() || env.CorrelationID == "" || env.SchemaVersion == "" {
		var payload any
		if len(env.Payload) > 0 {
			payload = env.Payload
		}
		filled, err := event.New(env.Type, env.TenantID, payload,
			event.WithID(env.ID),
			event.WithTimestamp(env.Timestamp),
			event.WithCorrelationID(env.CorrelationID),
			event.WithSource(env.Source),
			event.WithActorID(env.ActorID),
			event.WithReplayOf(env.ReplayOf),
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		*env = *filled
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	fields, err := envelopeFields(env)
	if err != nil {
		return err
	}

	ctx, span := p.spans.StartPublishSpan(ctx, env.Type, env.ID)
	position, err := p.broker.Append(ctx, p.stream, fields)
	p.metrics.RecordPublish(ctx, env.Type, err)
	if err == nil {
		p.spans.AddSpanEvent(ctx, "appended", attribute.String("stream.position", position))
	}
	p.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogPublishError(p.logger, env.ID, env.Type, err)
		return &PublishError{EventID: env.ID, EventType: env.Type, Err: err}
	}
	observability.LogPublish(p.logger, env.ID, env.Type, position)

	rec := metadata.Record{
		EventID:        env.ID,
		EventType:      env.Type,
		TenantID:       env.TenantID,
		StreamPosition: position,
		Status:         metadata.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	bookkeep(context.WithoutCancel(ctx), p.logger, env.ID, "create", func(ctx context.Context) error {
		if err := p.store.Create(ctx, rec); err != nil && !errors.Is(err, metadata.ErrDuplicate) {
			return err
		}
		return nil
	})
	return nil
}

// BatchItem is one event of a batch publish.
type BatchItem struct {
	Type    string
	Payload any
	Context PublishContext
}

// BatchResult reports the outcome of one batch item.
type BatchResult struct {
	EventID string
	Err     error
}

// PublishBatch publishes items one by one, in order. There is no atomicity
// across the batch: each result reports its own success or failure.
func (p *Publisher) PublishBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	for i, item := range items {
		id, err := p.Publish(ctx, item.Type, item.Payload, item.Context)
		results[i] = BatchResult{EventID: id, Err: err}
	}
	return results
}

// Stream returns the main log name.
func (p *Publisher) Stream() string {
	return p.stream
}
