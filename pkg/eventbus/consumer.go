package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	eberrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// ConsumerState is the lifecycle state of a Consumer.
type ConsumerState int32

// Consumer states. A consumer moves idle -> running -> stopped and never
// back.
const (
	StateIdle ConsumerState = iota
	StateRunning
	StateStopped
)

// String implements fmt.Stringer.
func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("ConsumerState(%d)", int32(s))
	}
}

// Consumer defaults.
const (
	DefaultBlock            = 5 * time.Second
	DefaultBatchSize        = 10
	DefaultReadErrorCeiling = 20
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Stream is the main log. Default: "events.main".
	Stream string

	// Group is the consumer group shared by every instance.
	// Default: "eventbus".
	Group string

	// Name identifies this instance within the group. Required.
	Name string

	// Block bounds each blocking read. Default: 5s.
	Block time.Duration

	// BatchSize caps the entries claimed per read. Default: 10.
	BatchSize int

	// ReadErrorCeiling is the number of consecutive read errors tolerated.
	// One more stops the consumer. Default: 20.
	ReadErrorCeiling int

	// ReadErrorBackoff is the pause after a failed read. Default: Block.
	ReadErrorBackoff time.Duration

	// Schemas enables advisory payload validation (optional).
	Schemas *SchemaRegistry

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Consumer claims entries from the main log through a consumer group and
// dispatches them to the matching handlers.
//
// Handlers for one entry run sequentially in priority order; entries of a
// batch are processed one after another. The consumer is the only writer of
// the PROCESSING and COMPLETED transitions.
type Consumer struct {
	broker   broker.Broker
	store    metadata.Store
	registry *Registry
	retry    *RetryCoordinator
	cfg      ConsumerConfig
	logger   *slog.Logger

	state      atomic.Int32
	stopping   atomic.Bool
	readErrors atomic.Int64

	mu         sync.Mutex
	cancelRead context.CancelFunc
	done       chan struct{}
	failure    error
}

// NewConsumer creates a consumer in the idle state.
func NewConsumer(b broker.Broker, store metadata.Store, registry *Registry, retry *RetryCoordinator, cfg ConsumerConfig) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = DefaultMainStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReadErrorCeiling <= 0 {
		cfg.ReadErrorCeiling = DefaultReadErrorCeiling
	}
	if cfg.ReadErrorBackoff <= 0 {
		cfg.ReadErrorBackoff = cfg.Block
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
	return &Consumer{
		broker:   b,
		store:    store,
		registry: registry,
		retry:    retry,
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("consumer", cfg.Name)),
		done:     make(chan struct{}),
	}
}

// Start freezes the registry, ensures the consumer group exists and starts
// the loop in a new goroutine.
//
// ctx is handed to handlers; cancelling it ends the loop after the current
// batch, like Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cfg.Name == "" {
		return errors.New("consumer name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ConsumerState(c.state.Load()) {
	case StateRunning:
		return ErrConsumerRunning
	case StateStopped:
		return ErrConsumerStopped
	}

	c.registry.Freeze()
	if err := c.broker.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("ensure consumer group %s: %w", c.cfg.Group, err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	c.cancelRead = cancel
	c.state.Store(int32(StateRunning))
	c.logger.Info("consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.String("group", c.cfg.Group),
		slog.Int("handlers", c.registry.Len()),
	)

	go c.run(ctx, readCtx)
	return nil
}

// Stop asks the loop to exit after its current batch and waits for it, or
// for ctx. A blocked read is interrupted; running handlers are not.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch ConsumerState(c.state.Load()) {
	case StateIdle:
		c.state.Store(int32(StateStopped))
		close(c.done)
		c.mu.Unlock()
		return nil
	case StateStopped:
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.stopping.Store(true)
	c.cancelRead()
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the consumer has stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// State returns the lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Err returns why the consumer stopped on its own, or nil.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// ReadErrors returns the current consecutive read error count.
func (c *Consumer) ReadErrors() int {
	return int(c.readErrors.Load())
}

// Name returns the consumer name.
func (c *Consumer) Name() string {
	return c.cfg.Name
}

func (c *Consumer) run(ctx, readCtx context.Context) {
	defer func() {
		c.cancelRead()
		c.state.Store(int32(StateStopped))
		c.logger.Info("consumer stopped")
		close(c.done)
	}()

	c.drainPending(ctx, readCtx)

	for {
		if c.stopping.Load() || ctx.Err() != nil {
			return
		}

		msgs, err := c.broker.ReadGroup(readCtx, broker.ReadRequest{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.Block,
		})
		if err != nil {
			if c.stopping.Load() || ctx.Err() != nil {
				return
			}
			if !c.onReadError(readCtx, err) {
				return
			}
			continue
		}
		c.readErrors.Store(0)

		for _, msg := range msgs {
			c.process(ctx, msg)
		}
	}
}

// onReadError counts a failed read and reports whether the loop should go on.
func (c *Consumer) onReadError(ctx context.Context, err error) bool {
	n := int(c.readErrors.Add(1))
	c.cfg.Metrics.RecordReadError(ctx, c.cfg.Name)
	category := eberrors.Categorize(brokerFailure("read", err))
	observability.LogReadError(c.logger, n, c.cfg.ReadErrorCeiling, category.String(), err)

	if n > c.cfg.ReadErrorCeiling {
		observability.LogCircuitOpen(c.logger, c.cfg.Name, n, err)
		c.mu.Lock()
		c.failure = fmt.Errorf("%w: %d consecutive errors: %v", ErrCircuitOpen, n, err)
		c.mu.Unlock()
		return false
	}

	if errors.Is(err, broker.ErrGroupNotFound) {
		if gerr := c.broker.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); gerr != nil {
			c.logger.Warn("recreate consumer group failed", slog.String("error", gerr.Error()))
		}
	}

	timer := time.NewTimer(c.cfg.ReadErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return true
}

// drainPending reprocesses entries this consumer claimed before a crash and
// never acknowledged. It pages forward by ID, so entries that stay pending
// after processing do not hide the ones behind them.
func (c *Consumer) drainPending(ctx, readCtx context.Context) {
	after := ""
	for !c.stopping.Load() && ctx.Err() == nil {
		msgs, err := c.broker.ReadGroup(readCtx, broker.ReadRequest{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Count:    c.cfg.BatchSize,
			Pending:  true,
			After:    after,
		})
		if err != nil {
			c.logger.Warn("pending entries not recovered", slog.String("error", err.Error()))
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, msg := range msgs {
			c.process(ctx, msg)
		}
		after = msgs[len(msgs)-1].ID
		c.logger.Info("recovered pending entries", slog.Int("count", len(msgs)))
	}
}

// process dispatches one entry. It never returns an error: every outcome is
// expressed through metadata, the dead letter queue and logs.
func (c *Consumer) process(ctx context.Context, msg broker.Message) {
	if msg.Fields == nil {
		// Claimed, then deleted from the log before it was acknowledged.
		c.ack(ctx, msg.ID)
		return
	}

	d, err := decodeDelivery(msg)
	if err != nil {
		if dlqErr := c.retry.DeadLetterRaw(ctx, msg, err); dlqErr != nil {
			c.logger.Error("undecodable entry left pending",
				slog.String("position", msg.ID),
				slog.String("error", dlqErr.Error()),
			)
			return
		}
		c.ack(ctx, msg.ID)
		return
	}

	env := d.env
	ctx, span := c.cfg.Spans.StartDispatchSpan(ctx, env.Type, env.ID, msg.ID)
	logger := observability.EnrichLogger(c.logger, env.ID, env.Type, env.TenantID)

	if !c.claim(ctx, logger, d) {
		c.ack(ctx, msg.ID)
		c.cfg.Spans.EndSpanWithError(span, nil)
		return
	}

	if c.cfg.Schemas != nil {
		if verr := c.cfg.Schemas.Validate(env); verr != nil {
			observability.LogValidationError(logger, env.ID, env.Type, verr)
		}
	}

	subs, err := c.resolve(d)
	if err != nil {
		if dlqErr := c.retry.DeadLetter(ctx, env, d.handler, err, d.attempt); dlqErr != nil {
			logger.Error("redelivery for unknown handler left pending", slog.String("error", dlqErr.Error()))
			c.cfg.Spans.EndSpanWithError(span, dlqErr)
			return
		}
		c.ack(ctx, msg.ID)
		c.cfg.Spans.EndSpanWithError(span, err)
		return
	}
	observability.LogDispatch(logger, env.ID, env.Type, len(subs))

	var failures []error
	handedOff := true
	for _, sub := range subs {
		herr := c.invoke(ctx, sub, env, d.attempt)
		if herr == nil {
			continue
		}
		failures = append(failures, herr)
		observability.LogHandlerError(logger, env.ID, env.Type, sub.Name, d.attempt, herr)

		if rerr := c.retry.ScheduleRetry(ctx, env, sub, herr, d.attempt); rerr != nil {
			handedOff = false
			logger.Error("retry hand-off failed",
				slog.String("handler", sub.Name),
				slog.String("error", rerr.Error()),
			)
		}
	}

	if len(failures) == 0 {
		bookkeep(ctx, logger, env.ID, "complete", func(ctx context.Context) error {
			_, err := c.store.Transition(ctx, env.ID, metadata.StatusCompleted, metadata.StatusProcessing)
			return err
		})
	}

	if handedOff {
		c.ack(ctx, msg.ID)
	} else {
		logger.Warn("entry left unacknowledged", slog.String("position", msg.ID))
	}
	c.cfg.Spans.EndSpanWithError(span, errors.Join(failures...))
}

// claim moves the event to PROCESSING once, before any handler runs, and
// reports whether the entry should be dispatched.
//
// A first delivery of an event that already reached a terminal status is a
// duplicate and is skipped. A targeted redelivery always runs its handler:
// a sibling may have completed or dead-lettered the event meanwhile.
func (c *Consumer) claim(ctx context.Context, logger *slog.Logger, d delivery) bool {
	from := []metadata.Status{metadata.StatusPending, metadata.StatusFailed}
	if d.targeted() {
		from = append(from, metadata.StatusCompleted, metadata.StatusProcessing)
	}

	var applied bool
	ok := bookkeep(ctx, logger, d.env.ID, "claim", func(ctx context.Context) error {
		var err error
		applied, err = c.store.Transition(ctx, d.env.ID, metadata.StatusProcessing, from...)
		return err
	})
	if !ok || applied || d.targeted() {
		return true
	}

	rec, err := c.store.Get(ctx, d.env.ID)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			observability.LogMetadataError(logger, d.env.ID, "get", err)
		}
		return true
	}
	if rec.Status.Terminal() {
		logger.Debug("skipping processed event", slog.String("status", string(rec.Status)))
		return false
	}
	return true
}

func (c *Consumer) resolve(d delivery) ([]*Subscription, error) {
	if !d.targeted() {
		return c.registry.Match(d.env.Type), nil
	}
	sub, ok := c.registry.Lookup(d.handlerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnknownHandler, d.handlerID, d.handler)
	}
	return []*Subscription{sub}, nil
}

// invoke runs one handler, converting a panic into an error.
func (c *Consumer) invoke(ctx context.Context, sub *Subscription, env *event.Envelope, attempt int) (err error) {
	ctx, span := c.cfg.Spans.StartHandlerSpan(ctx, sub.Name, attempt)
	elapsed := observability.TimedOperation()
	defer func() {
		if r := recover(); r != nil {
			err = &event.PanicError{EventID: env.ID, Value: r, Stack: debug.Stack()}
		}
		c.cfg.Metrics.RecordHandler(ctx, env.Type, sub.Name, elapsed(), err)
		c.cfg.Spans.EndSpanWithError(span, err)
	}()
	return sub.Handler.Handle(ctx, env)
}

func (c *Consumer) ack(ctx context.Context, position string) {
	if _, err := c.broker.Ack(context.WithoutCancel(ctx), c.cfg.Stream, c.cfg.Group, position); err != nil {
		c.logger.Warn("ack failed",
			slog.String("position", position),
			slog.String("error", err.Error()),
		)
	}
}
