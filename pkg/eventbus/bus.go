package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// Default stream and group names.
const (
	DefaultMainStream   = "events.main"
	DefaultDLQStream    = "events.dlq"
	DefaultReplayPrefix = "events.replay."
	DefaultGroup        = "eventbus"
)

// Default retention windows.
const (
	DefaultMainRetention = 30 * 24 * time.Hour
	DefaultDLQRetention  = 90 * 24 * time.Hour
	DefaultDLQCapacity   = 10000
)

// Config configures a Bus. Zero values take the defaults.
type Config struct {
	MainStream   string
	DLQStream    string
	ReplayPrefix string

	Group        string
	ConsumerName string

	Block            time.Duration
	BatchSize        int
	ReadErrorCeiling int
	ReadErrorBackoff time.Duration

	Backoff     []time.Duration
	DLQCapacity int64
	// DLQWarnRatio and DLQCriticalRatio are the capacity alert thresholds.
	DLQWarnRatio     float64
	DLQCriticalRatio float64

	MainRetention time.Duration
	DLQRetention  time.Duration
	ReplayTTL     time.Duration

	// Source is the default origin tag of published events.
	Source string

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MainStream:       DefaultMainStream,
		DLQStream:        DefaultDLQStream,
		ReplayPrefix:     DefaultReplayPrefix,
		Group:            DefaultGroup,
		Block:            DefaultBlock,
		BatchSize:        DefaultBatchSize,
		ReadErrorCeiling: DefaultReadErrorCeiling,
		Backoff:          DefaultBackoff,
		DLQCapacity:      DefaultDLQCapacity,
		DLQWarnRatio:     DLQWarnRatio,
		DLQCriticalRatio: DLQCriticalRatio,
		MainRetention:    DefaultMainRetention,
		DLQRetention:     DefaultDLQRetention,
		ReplayTTL:        DefaultReplayTTL,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MainStream == "" {
		c.MainStream = d.MainStream
	}
	if c.DLQStream == "" {
		c.DLQStream = d.DLQStream
	}
	if c.ReplayPrefix == "" {
		c.ReplayPrefix = d.ReplayPrefix
	}
	if c.Group == "" {
		c.Group = d.Group
	}
	if len(c.Backoff) == 0 {
		c.Backoff = d.Backoff
	}
	if c.DLQCapacity == 0 {
		c.DLQCapacity = d.DLQCapacity
	}
	if c.DLQWarnRatio <= 0 {
		c.DLQWarnRatio = d.DLQWarnRatio
	}
	if c.DLQCriticalRatio <= 0 {
		c.DLQCriticalRatio = d.DLQCriticalRatio
	}
	if c.MainRetention <= 0 {
		c.MainRetention = d.MainRetention
	}
	if c.DLQRetention <= 0 {
		c.DLQRetention = d.DLQRetention
	}
	if c.ReplayTTL <= 0 {
		c.ReplayTTL = d.ReplayTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	return c
}

type busOptions struct {
	scheduler DelayScheduler
	jobs      JobStore
	schemas   *SchemaRegistry
	now       func() time.Time
}

// Option configures a Bus.
type Option func(*busOptions)

// WithScheduler sets the delayed redelivery facility.
// Default: a TimerScheduler.
func WithScheduler(s DelayScheduler) Option {
	return func(o *busOptions) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// WithJobStore sets the replay job store. Default: in-memory.
func WithJobStore(s JobStore) Option {
	return func(o *busOptions) {
		if s != nil {
			o.jobs = s
		}
	}
}

// WithSchemas enables advisory payload validation.
func WithSchemas(r *SchemaRegistry) Option {
	return func(o *busOptions) {
		o.schemas = r
	}
}

// WithClock sets the clock used for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *busOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// Bus wires the publisher, registry, consumer, retry coordinator, dead
// letter queue and replay engine over one broker and metadata store, and
// exposes the administrative operations.
//
// The Bus does not own the broker or the store; close them after Stop.
type Bus struct {
	cfg       Config
	broker    broker.Broker
	store     metadata.Store
	registry  *Registry
	publisher *Publisher
	dlq       *DeadLetterQueue
	scheduler DelayScheduler
	retry     *RetryCoordinator
	consumer  *Consumer
	replay    *ReplayEngine
	now       func() time.Time
}

// New creates a bus. cfg.ConsumerName is required.
func New(b broker.Broker, store metadata.Store, cfg Config, opts ...Option) (*Bus, error) {
	if b == nil {
		return nil, errors.New("broker is required")
	}
	if store == nil {
		return nil, errors.New("metadata store is required")
	}
	if cfg.ConsumerName == "" {
		return nil, errors.New("consumer name is required")
	}
	cfg = cfg.withDefaults()
	if cfg.MainStream == cfg.DLQStream {
		return nil, fmt.Errorf("main and dead letter streams must differ (%s)", cfg.MainStream)
	}

	o := busOptions{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scheduler == nil {
		o.scheduler = NewTimerScheduler(30 * time.Second)
	}

	publisher := NewPublisher(b, store, PublisherConfig{
		Stream:  cfg.MainStream,
		Source:  cfg.Source,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Spans:   cfg.Spans,
	})
	dlq := NewDeadLetterQueue(b, cfg.DLQStream, cfg.DLQCapacity, cfg.Logger)
	dlq.SetAlertRatios(cfg.DLQWarnRatio, cfg.DLQCriticalRatio)
	retry := NewRetryCoordinator(b, store, dlq, o.scheduler, RetryPolicy{
		Stream:  cfg.MainStream,
		Backoff: cfg.Backoff,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Spans:   cfg.Spans,
	})
	registry := NewRegistry()
	consumer := NewConsumer(b, store, registry, retry, ConsumerConfig{
		Stream:           cfg.MainStream,
		Group:            cfg.Group,
		Name:             cfg.ConsumerName,
		Block:            cfg.Block,
		BatchSize:        cfg.BatchSize,
		ReadErrorCeiling: cfg.ReadErrorCeiling,
		ReadErrorBackoff: cfg.ReadErrorBackoff,
		Schemas:          o.schemas,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
		Spans:            cfg.Spans,
	})
	replay := NewReplayEngine(b, publisher, ReplayConfig{
		Stream:      cfg.MainStream,
		AuditPrefix: cfg.ReplayPrefix,
		AuditTTL:    cfg.ReplayTTL,
		Jobs:        o.jobs,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})

	return &Bus{
		cfg:       cfg,
		broker:    b,
		store:     store,
		registry:  registry,
		publisher: publisher,
		dlq:       dlq,
		scheduler: o.scheduler,
		retry:     retry,
		consumer:  consumer,
		replay:    replay,
		now:       o.now,
	}, nil
}

// Registry returns the handler registry.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Consumer returns the consumer.
func (b *Bus) Consumer() *Consumer {
	return b.consumer
}

// DeadLetters returns the dead letter queue.
func (b *Bus) DeadLetters() *DeadLetterQueue {
	return b.dlq
}

// Replays returns the replay engine.
func (b *Bus) Replays() *ReplayEngine {
	return b.replay
}

// Use adds handler middleware. See Registry.Use.
func (b *Bus) Use(middleware ...event.MiddlewareFunc) error {
	return b.registry.Use(middleware...)
}

// Register subscribes a handler. See Registry.Register.
func (b *Bus) Register(pattern string, handler event.Handler, opts ...RegisterOption) (HandlerID, error) {
	return b.registry.Register(pattern, handler, opts...)
}

// Publish publishes one event. See Publisher.Publish.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, pc PublishContext) (string, error) {
	return b.publisher.Publish(ctx, eventType, payload, pc)
}

// PublishBatch publishes events one by one. See Publisher.PublishBatch.
func (b *Bus) PublishBatch(ctx context.Context, items []BatchItem) []BatchResult {
	return b.publisher.PublishBatch(ctx, items)
}

// Start starts the consumer.
func (b *Bus) Start(ctx context.Context) error {
	return b.consumer.Start(ctx)
}

// Stop stops the consumer after its current batch and cancels running
// replays, then flushes scheduled redeliveries to the main log.
func (b *Bus) Stop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.consumer.Stop(gctx)
	})
	g.Go(b.replay.Close)
	err := g.Wait()

	if serr := b.scheduler.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// State returns the consumer state.
func (b *Bus) State() ConsumerState {
	return b.consumer.State()
}

// ListDeadLetters returns a page of dead letters.
func (b *Bus) ListDeadLetters(ctx context.Context, query DLQQuery) (DLQPage, error) {
	return b.dlq.List(ctx, query)
}

// RetryDeadLetter re-publishes a dead letter as a new event, removes the
// entry and returns the new event ID. The new event keeps the original
// type, payload, tenant, actor, source and correlation ID.
func (b *Bus) RetryDeadLetter(ctx context.Context, entryID string) (string, error) {
	dl, err := b.dlq.Get(ctx, entryID)
	if err != nil {
		return "", err
	}
	if dl.Envelope == nil {
		return "", fmt.Errorf("%w: dead letter %s has no decodable envelope", ErrInvalidEvent, entryID)
	}

	env := dl.Envelope
	id, err := b.publisher.Publish(ctx, env.Type, env.Payload, PublishContext{
		TenantID:      env.TenantID,
		ActorID:       env.ActorID,
		CorrelationID: env.CorrelationID,
		Source:        env.Source,
	})
	if err != nil {
		return "", err
	}

	if _, err := b.dlq.Delete(ctx, entryID); err != nil {
		b.cfg.Logger.Warn("retried dead letter not removed",
			slog.String("entry_id", entryID),
			slog.String("event_id", id),
			slog.String("error", err.Error()),
		)
	}
	return id, nil
}

// DeleteDeadLetter purges a dead letter and reports whether it existed.
func (b *Bus) DeleteDeadLetter(ctx context.Context, entryID string) (bool, error) {
	return b.dlq.Delete(ctx, entryID)
}

// StartReplay starts a replay job and returns its ID.
func (b *Bus) StartReplay(ctx context.Context, req ReplayRequest) (string, error) {
	return b.replay.StartReplay(ctx, req)
}

// ReplayStatus returns a replay job snapshot.
func (b *Bus) ReplayStatus(ctx context.Context, jobID string) (*ReplayJob, error) {
	return b.replay.Status(ctx, jobID)
}

// RetentionResult reports how many entries a retention pass removed.
type RetentionResult struct {
	MainTrimmed int64
	DLQTrimmed  int64
}

// EnforceRetention trims main and dead letter log entries older than their
// retention windows. Replay audit streams expire on their own.
func (b *Bus) EnforceRetention(ctx context.Context) (RetentionResult, error) {
	now := b.now()
	var res RetentionResult

	n, err := b.broker.TrimBefore(ctx, b.cfg.MainStream, broker.IDFromTime(now.Add(-b.cfg.MainRetention)))
	if err != nil {
		return res, fmt.Errorf("trim %s: %w", b.cfg.MainStream, err)
	}
	res.MainTrimmed = n

	n, err = b.broker.TrimBefore(ctx, b.cfg.DLQStream, broker.IDFromTime(now.Add(-b.cfg.DLQRetention)))
	if err != nil {
		return res, fmt.Errorf("trim %s: %w", b.cfg.DLQStream, err)
	}
	res.DLQTrimmed = n

	if res.MainTrimmed > 0 || res.DLQTrimmed > 0 {
		b.cfg.Logger.Info("retention enforced",
			slog.Int64("main_trimmed", res.MainTrimmed),
			slog.Int64("dlq_trimmed", res.DLQTrimmed),
		)
	}
	return res, nil
}
