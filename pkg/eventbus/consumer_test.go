package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
)

// callLog records handler invocations across handlers in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) handler(name string, fail func(n int) error) event.Handler {
	n := 0
	return event.HandlerFunc(func(_ context.Context, _ *event.Envelope) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls = append(l.calls, name)
		n++
		if fail != nil {
			return fail(n)
		}
		return nil
	})
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func TestConsumerDispatchesAndCompletes(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	rec := &recorder{}
	_, err := tb.Register("order.*", rec)
	require.NoError(t, err)
	tb.start(t)

	id, err := tb.Publish(ctx, "order.created", orderCreated{OrderID: "o1", Amount: 3}, PublishContext{TenantID: "t1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tb.status(id) == metadata.StatusCompleted }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)

	require.Equal(t, 1, rec.count())
	env := rec.envelopes()[0]
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "t1", env.TenantID)

	r := tb.record(id)
	assert.Equal(t, 0, r.Attempts)
	assert.NotNil(t, r.ProcessedAt)
	assert.Equal(t, StateRunning, tb.State())
}

func TestConsumerTargetedRetryIsolatesHandlers(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	var log callLog
	_, err := tb.Register("order.created", log.handler("audit", nil), WithPriority(10), WithName("audit"))
	require.NoError(t, err)
	_, err = tb.Register("order.*", log.handler("billing", func(n int) error {
		if n == 1 {
			return errBoom
		}
		return nil
	}), WithPriority(20), WithName("billing"))
	require.NoError(t, err)
	_, err = tb.Register("*", log.handler("search", nil), WithPriority(30), WithName("search"))
	require.NoError(t, err)
	tb.start(t)

	id, err := tb.Publish(ctx, "order.created", orderCreated{OrderID: "o1"}, PublishContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(tb.sched.scheduled()) == 1 }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)
	assert.Equal(t, []string{"audit", "billing", "search"}, log.snapshot())
	assert.Equal(t, []time.Duration{60 * time.Second}, tb.sched.scheduled())

	r := tb.record(id)
	assert.Equal(t, metadata.StatusFailed, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, errBoom.Error(), r.LastError)

	require.Equal(t, 1, tb.sched.runAll(ctx))

	require.Eventually(t, func() bool { return tb.status(id) == metadata.StatusCompleted }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)

	// Only the failed handler runs again.
	assert.Equal(t, []string{"audit", "billing", "search", "billing"}, log.snapshot())
}

func TestConsumerLeavesEntryUnackedWhenHandOffFails(t *testing.T) {
	ctx := context.Background()
	logger, buf := captureLogger()
	cfg := testConfig()
	cfg.Logger = logger
	tb := newTestBus(t, cfg)
	tb.sched.failWith(errors.New("scheduler down"))

	_, err := tb.Register("order.created", &recorder{err: errBoom})
	require.NoError(t, err)
	tb.start(t)

	_, err = tb.Publish(ctx, "order.created", orderCreated{OrderID: "o1"}, PublishContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hasLog(buf, "WARN", "entry left unacknowledged") }, waitFor, tick)
	assert.True(t, hasLog(buf, "ERROR", "retry hand-off failed"))
	assert.Equal(t, int64(1), tb.pending())
}

func TestConsumerCircuitBreaker(t *testing.T) {
	logger, buf := captureLogger()
	cfg := testConfig()
	cfg.ReadErrorCeiling = 3
	cfg.Logger = logger

	fb := &faultyBroker{
		Broker:  broker.NewMemoryBroker(),
		readErr: func(int64) error { return errors.New("connection refused") },
	}
	bus, _ := buildBus(t, fb, metadata.NewMemoryStore(), cfg)
	require.NoError(t, bus.Start(context.Background()))

	select {
	case <-bus.Consumer().Done():
	case <-time.After(waitFor):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, int64(4), fb.reads.Load())
	assert.Equal(t, StateStopped, bus.State())
	assert.ErrorIs(t, bus.Consumer().Err(), ErrCircuitOpen)
	assert.ErrorIs(t, bus.Start(context.Background()), ErrConsumerStopped)

	var categories []any
	for _, r := range buf.records() {
		if r["msg"] == "broker read failed" {
			categories = append(categories, r["category"])
		}
	}
	assert.Equal(t, []any{"transient", "transient", "transient", "transient"}, categories)
}

func TestConsumerReadErrorCounterResets(t *testing.T) {
	cfg := testConfig()
	cfg.ReadErrorCeiling = 3

	fb := &faultyBroker{
		Broker: broker.NewMemoryBroker(),
		readErr: func(call int64) error {
			if (call >= 1 && call <= 3) || (call >= 5 && call <= 7) {
				return errors.New("timeout")
			}
			return nil
		},
	}
	bus, _ := buildBus(t, fb, metadata.NewMemoryStore(), cfg)
	require.NoError(t, bus.Start(context.Background()))

	require.Eventually(t, func() bool {
		return fb.reads.Load() >= 9 && bus.Consumer().ReadErrors() == 0
	}, waitFor, tick)

	assert.Equal(t, StateRunning, bus.State())
	assert.NoError(t, bus.Consumer().Err())
}

func TestConsumerRecreatesMissingGroup(t *testing.T) {
	cfg := testConfig()
	fb := &faultyBroker{
		Broker: broker.NewMemoryBroker(),
		readErr: func(call int64) error {
			if call == 1 {
				return fmt.Errorf("%w: flushed", broker.ErrGroupNotFound)
			}
			return nil
		},
	}
	bus, _ := buildBus(t, fb, metadata.NewMemoryStore(), cfg)
	rec := &recorder{}
	_, err := bus.Register("*", rec)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))

	_, err = bus.Publish(context.Background(), "order.created", nil, PublishContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.Equal(t, StateRunning, bus.State())
}

func TestConsumerRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	logger, buf := captureLogger()
	cfg := testConfig()
	cfg.Logger = logger
	tb := newTestBus(t, cfg)

	_, err := tb.Register("order.created", event.HandlerFunc(func(context.Context, *event.Envelope) error {
		panic("nil map")
	}))
	require.NoError(t, err)
	rec := &recorder{}
	_, err = tb.Register("order.created", rec, WithPriority(200))
	require.NoError(t, err)
	tb.start(t)

	id, err := tb.Publish(ctx, "order.created", orderCreated{OrderID: "o1"}, PublishContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(tb.sched.scheduled()) == 1 }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)

	assert.Equal(t, 1, rec.count(), "later handlers still run")
	r := tb.record(id)
	assert.Equal(t, metadata.StatusFailed, r.Status)
	assert.Contains(t, r.LastError, "handler panic: nil map")
	assert.True(t, hasLog(buf, "WARN", "handler failed"))
	assert.Equal(t, StateRunning, tb.State())
}

func TestConsumerSkipsProcessedEvents(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	rec := &recorder{}
	_, err := tb.Register("*", rec)
	require.NoError(t, err)

	id, err := tb.Publish(ctx, "order.created", nil, PublishContext{})
	require.NoError(t, err)
	ok, err := tb.store.Transition(ctx, id, metadata.StatusCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	tb.start(t)

	require.Eventually(t, tb.drained, waitFor, tick)
	assert.Zero(t, rec.count())
	assert.Equal(t, metadata.StatusCompleted, tb.status(id))
}

func TestConsumerDeadLettersUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	rec := &recorder{}
	_, err := tb.Register("*", rec)
	require.NoError(t, err)

	_, err = tb.broker.Append(ctx, DefaultMainStream, map[string]string{
		FieldEnvelope: "{not json",
		FieldEventID:  "bad-1",
		FieldType:     "order.created",
		FieldTenantID: "t1",
	})
	require.NoError(t, err)
	tb.start(t)

	require.Eventually(t, func() bool { return tb.dlqLen() == 1 }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)
	assert.Zero(t, rec.count())

	page, err := tb.ListDeadLetters(ctx, DLQQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	dl := page.Entries[0]
	assert.Equal(t, "bad-1", dl.EventID)
	assert.Equal(t, "t1", dl.TenantID)
	assert.Equal(t, "{not json", dl.Raw)
	assert.Nil(t, dl.Envelope)
	assert.Contains(t, dl.FailureReason, ErrInvalidEvent.Error())
}

func TestConsumerDeadLettersUnknownHandlerRedelivery(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	rec := &recorder{}
	_, err := tb.Register("*", rec)
	require.NoError(t, err)

	env, err := event.New("order.created", "t1", orderCreated{OrderID: "o1"})
	require.NoError(t, err)
	fields, err := redeliveryFields(env, &Subscription{ID: 99, Name: "retired"}, 2)
	require.NoError(t, err)
	_, err = tb.broker.Append(ctx, DefaultMainStream, fields)
	require.NoError(t, err)
	tb.start(t)

	require.Eventually(t, func() bool { return tb.dlqLen() == 1 }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)
	assert.Zero(t, rec.count())

	page, err := tb.ListDeadLetters(ctx, DLQQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "retired", page.Entries[0].Handler)
	assert.Equal(t, 2, page.Entries[0].Attempts)
	assert.Contains(t, page.Entries[0].FailureReason, ErrUnknownHandler.Error())
}

func TestConsumerPreservesLogOrder(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	rec := &recorder{}
	_, err := tb.Register("*", rec)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 25; i++ {
		id, err := tb.Publish(ctx, "order.created", orderCreated{Amount: i}, PublishContext{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	tb.start(t)

	require.Eventually(t, func() bool { return rec.count() == len(ids) }, waitFor, tick)

	var got []string
	for _, env := range rec.envelopes() {
		got = append(got, env.ID)
	}
	assert.Equal(t, ids, got)
}

func TestConsumerStopFinishesCurrentBatch(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	rec := &recorder{}
	_, err := tb.Register("*", event.HandlerFunc(func(ctx context.Context, env *event.Envelope) error {
		time.Sleep(time.Millisecond)
		return rec.Handle(ctx, env)
	}))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := tb.Publish(ctx, "order.created", orderCreated{Amount: i}, PublishContext{})
		require.NoError(t, err)
	}
	tb.start(t)
	require.Eventually(t, func() bool { return rec.count() >= 10 }, waitFor, tick)

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, tb.Stop(stopCtx))
	assert.Equal(t, StateStopped, tb.State())

	counts, err := tb.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[metadata.StatusProcessing], "no event is left mid-dispatch")
	assert.Equal(t, int64(rec.count()), counts[metadata.StatusCompleted])
	assert.Equal(t, int64(100-rec.count()), counts[metadata.StatusPending])
}

func TestConsumerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("running consumer rejects start and registration", func(t *testing.T) {
		tb := newTestBus(t, testConfig())
		assert.Equal(t, StateIdle, tb.State())
		tb.start(t)
		assert.Equal(t, StateRunning, tb.State())

		assert.ErrorIs(t, tb.Start(ctx), ErrConsumerRunning)
		_, err := tb.Register("*", &recorder{})
		assert.ErrorIs(t, err, ErrRegistryFrozen)
	})

	t.Run("stopped consumer cannot restart", func(t *testing.T) {
		tb := newTestBus(t, testConfig())
		tb.start(t)
		require.NoError(t, tb.Stop(ctx))
		require.NoError(t, tb.Consumer().Stop(ctx))

		assert.Equal(t, StateStopped, tb.State())
		assert.ErrorIs(t, tb.Start(ctx), ErrConsumerStopped)
		assert.NoError(t, tb.Consumer().Err())
	})

	t.Run("idle consumer stops immediately", func(t *testing.T) {
		tb := newTestBus(t, testConfig())
		require.NoError(t, tb.Consumer().Stop(ctx))

		assert.Equal(t, StateStopped, tb.State())
		assert.ErrorIs(t, tb.Start(ctx), ErrConsumerStopped)
		select {
		case <-tb.Consumer().Done():
		default:
			t.Fatal("done not closed")
		}
	})

	t.Run("cancelled start context stops the loop", func(t *testing.T) {
		tb := newTestBus(t, testConfig())
		runCtx, cancel := context.WithCancel(ctx)
		require.NoError(t, tb.Start(runCtx))
		cancel()

		select {
		case <-tb.Consumer().Done():
		case <-time.After(waitFor):
			t.Fatal("consumer did not stop")
		}
		assert.Equal(t, StateStopped, tb.State())
	})
}

func TestConsumerRecoversPendingEntries(t *testing.T) {
	ctx := context.Background()
	tb := newTestBus(t, testConfig())

	rec := &recorder{}
	_, err := tb.Register("*", rec)
	require.NoError(t, err)

	id, err := tb.Publish(ctx, "order.created", nil, PublishContext{})
	require.NoError(t, err)

	// A previous incarnation claimed the entry and crashed before the ack.
	require.NoError(t, tb.broker.EnsureGroup(ctx, DefaultMainStream, DefaultGroup))
	msgs, err := tb.broker.ReadGroup(ctx, broker.ReadRequest{
		Stream:   DefaultMainStream,
		Group:    DefaultGroup,
		Consumer: "test-consumer",
		Count:    10,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(1), tb.pending())

	tb.start(t)

	require.Eventually(t, func() bool { return tb.status(id) == metadata.StatusCompleted }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)
	assert.Equal(t, 1, rec.count())
}

func TestConsumerRecoversPendingEntriesPastStuckPage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BatchSize = 2
	tb := newTestBus(t, cfg)

	_, err := tb.Register("order.bad", &recorder{err: errBoom})
	require.NoError(t, err)
	good := &recorder{}
	_, err = tb.Register("order.good", good)
	require.NoError(t, err)

	var goodIDs []string
	for _, typ := range []string{"order.bad", "order.bad", "order.good", "order.good", "order.good"} {
		id, err := tb.Publish(ctx, typ, nil, PublishContext{})
		require.NoError(t, err)
		if typ == "order.good" {
			goodIDs = append(goodIDs, id)
		}
	}

	require.NoError(t, tb.broker.EnsureGroup(ctx, DefaultMainStream, DefaultGroup))
	msgs, err := tb.broker.ReadGroup(ctx, broker.ReadRequest{
		Stream:   DefaultMainStream,
		Group:    DefaultGroup,
		Consumer: "test-consumer",
		Count:    10,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	// The first page cannot be handed off and stays pending.
	tb.sched.failWith(errors.New("scheduler unavailable"))
	tb.start(t)

	for _, id := range goodIDs {
		require.Eventually(t, func() bool { return tb.status(id) == metadata.StatusCompleted }, waitFor, tick)
	}
	assert.Equal(t, 3, good.count())
	assert.Equal(t, int64(2), tb.pending())
}

func TestConsumerValidationIsAdvisory(t *testing.T) {
	ctx := context.Background()
	logger, buf := captureLogger()
	cfg := testConfig()
	cfg.Logger = logger

	schemas := NewSchemaRegistry()
	require.NoError(t, schemas.Register("order.created", RequireFields("orderId")))
	tb := newTestBus(t, cfg, WithSchemas(schemas))

	rec := &recorder{}
	_, err := tb.Register("order.created", rec)
	require.NoError(t, err)
	tb.start(t)

	id, err := tb.Publish(ctx, "order.created", map[string]int{"amount": 1}, PublishContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tb.status(id) == metadata.StatusCompleted }, waitFor, tick)
	assert.Equal(t, 1, rec.count())
	assert.True(t, hasLog(buf, "WARN", "payload validation failed, dispatching anyway"))
}

func TestConsumerRetriesMetadataWrites(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: metadata.NewMemoryStore()}
	store.failures.Store(2)

	bus, _ := buildBus(t, broker.NewMemoryBroker(), store, testConfig())
	rec := &recorder{}
	_, err := bus.Register("*", rec)
	require.NoError(t, err)
	require.NoError(t, bus.Start(ctx))

	id, err := bus.Publish(ctx, "order.created", nil, PublishContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, id)
		return err == nil && r.Status == metadata.StatusCompleted
	}, waitFor, tick)
	assert.Equal(t, 1, rec.count())
	assert.GreaterOrEqual(t, store.transitions.Load(), int64(4))
}

func TestConsumerDispatchesWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	logger, buf := captureLogger()
	cfg := testConfig()
	cfg.Logger = logger
	tb := newTestBus(t, cfg)

	rec := &recorder{}
	_, err := tb.Register("*", rec)
	require.NoError(t, err)
	require.NoError(t, tb.store.Close())
	tb.start(t)

	_, err = tb.Publish(ctx, "order.created", nil, PublishContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	require.Eventually(t, tb.drained, waitFor, tick)
	assert.True(t, hasLog(buf, "WARN", "metadata write abandoned"))
}
