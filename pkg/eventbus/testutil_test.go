package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
)

// Shared test fixtures.

var errBoom = errors.New("boom")

type orderCreated struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records decodes every JSON log line written so far.
func (b *lockedBuffer) records() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range bytes.Split(b.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func captureLogger() (*slog.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func hasLog(buf *lockedBuffer, level, msg string) bool {
	for _, r := range buf.records() {
		if r["level"] == level && r["msg"] == msg {
			return true
		}
	}
	return false
}

// recordingScheduler captures scheduled redeliveries instead of waiting.
type recordingScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []func(context.Context)
	err    error
	closed bool
}

func (s *recordingScheduler) Schedule(delay time.Duration, task func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrSchedulerClosed
	}
	s.delays = append(s.delays, delay)
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingScheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.runAll(context.Background())
	return nil
}

func (s *recordingScheduler) failWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// runAll runs and forgets every waiting task, as if their delays elapsed.
func (s *recordingScheduler) runAll(ctx context.Context) int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, task := range tasks {
		task(ctx)
	}
	return len(tasks)
}

// faultyBroker injects failures into a broker.
type faultyBroker struct {
	broker.Broker

	reads     atomic.Int64
	readErr   func(call int64) error
	appends   atomic.Int64
	appendErr func(stream string, call int64) error
}

func (b *faultyBroker) ReadGroup(ctx context.Context, req broker.ReadRequest) ([]broker.Message, error) {
	if req.Pending {
		return b.Broker.ReadGroup(ctx, req)
	}
	n := b.reads.Add(1)
	if b.readErr != nil {
		if err := b.readErr(n); err != nil {
			return nil, err
		}
	}
	return b.Broker.ReadGroup(ctx, req)
}

func (b *faultyBroker) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	n := b.appends.Add(1)
	if b.appendErr != nil {
		if err := b.appendErr(stream, n); err != nil {
			return "", err
		}
	}
	return b.Broker.Append(ctx, stream, fields)
}

// flakyStore fails the first failures calls to Transition.
type flakyStore struct {
	metadata.Store
	failures    atomic.Int64
	transitions atomic.Int64
}

func (s *flakyStore) Transition(ctx context.Context, id string, to metadata.Status, from ...metadata.Status) (bool, error) {
	s.transitions.Add(1)
	if s.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return s.Store.Transition(ctx, id, to, from...)
}

// testBus bundles a bus with its in-memory collaborators.
type testBus struct {
	*Bus
	broker *broker.MemoryBroker
	store  *metadata.MemoryStore
	sched  *recordingScheduler
}

func testConfig() Config {
	return Config{
		ConsumerName:     "test-consumer",
		Block:            20 * time.Millisecond,
		ReadErrorBackoff: time.Millisecond,
		Logger:           discardLogger(),
	}
}

func newTestBus(t *testing.T, cfg Config, opts ...Option) *testBus {
	t.Helper()

	b := broker.NewMemoryBroker()
	store := metadata.NewMemoryStore()
	bus, sched := buildBus(t, b, store, cfg, opts...)
	return &testBus{Bus: bus, broker: b, store: store, sched: sched}
}

// buildBus creates a bus over arbitrary collaborators with a recording
// scheduler, stopping it and closing the collaborators on cleanup.
func buildBus(t *testing.T, b broker.Broker, store metadata.Store, cfg Config, opts ...Option) (*Bus, *recordingScheduler) {
	t.Helper()

	sched := &recordingScheduler{}
	bus, err := New(b, store, cfg, append([]Option{WithScheduler(sched)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
		_ = b.Close()
		_ = store.Close()
	})
	return bus, sched
}

func (tb *testBus) start(t *testing.T) {
	t.Helper()
	require.NoError(t, tb.Start(context.Background()))
}

// record returns the metadata record, or a zero record if missing.
// It is safe to call from require.Eventually conditions.
func (tb *testBus) record(eventID string) metadata.Record {
	rec, _ := tb.store.Get(context.Background(), eventID)
	return rec
}

func (tb *testBus) status(eventID string) metadata.Status {
	return tb.record(eventID).Status
}

// drained reports whether every main log entry was delivered and acked.
func (tb *testBus) drained() bool {
	info, err := tb.broker.GroupInfo(context.Background(), DefaultMainStream, DefaultGroup)
	return err == nil && info.Pending == 0 && info.Lag == 0
}

func (tb *testBus) pending() int64 {
	info, err := tb.broker.GroupInfo(context.Background(), DefaultMainStream, DefaultGroup)
	if err != nil {
		return -1
	}
	return info.Pending
}

func (tb *testBus) dlqLen() int64 {
	n, _ := tb.broker.Len(context.Background(), DefaultDLQStream)
	return n
}

// recorder is a handler that records the envelopes it sees.
type recorder struct {
	mu   sync.Mutex
	seen []*event.Envelope
	err  error
}

func (r *recorder) Handle(_ context.Context, env *event.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recorder) envelopes() []*event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Envelope(nil), r.seen...)
}

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)
