package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with Redis Streams semantics.
// It is safe for concurrent use. Data does not survive the process.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memStream
	notify  chan struct{}
	now     func() time.Time
	closed  bool
}

type memStream struct {
	entries  []Message
	last     ID
	groups   map[string]*memGroup
	expireAt time.Time
}

type memGroup struct {
	lastDelivered ID
	consumers     map[string]struct{}
	pending       map[string]string // entry ID -> consumer
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithClock overrides the time source used for IDs and expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) {
		b.now = now
	}
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// stream returns the named stream, dropping it if it has expired.
// Caller must hold mu.
func (b *MemoryBroker) stream(name string, create bool) *memStream {
	s, ok := b.streams[name]
	if ok && !s.expireAt.IsZero() && !b.now().Before(s.expireAt) {
		delete(b.streams, name)
		s, ok = nil, false
	}
	if !ok && create {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

// broadcast wakes blocked readers. Caller must hold mu.
func (b *MemoryBroker) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Append implements Broker.
func (b *MemoryBroker) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	s := b.stream(stream, true)
	id := ID{Ms: uint64(b.now().UnixMilli())}
	if !s.last.Less(id) {
		id = ID{Ms: s.last.Ms, Seq: s.last.Seq + 1}
	}
	s.last = id

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, Message{ID: id.String(), Fields: copied})
	b.broadcast()
	return id.String(), nil
}

// EnsureGroup implements Broker.
func (b *MemoryBroker) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	s := b.stream(stream, true)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{
			consumers: make(map[string]struct{}),
			pending:   make(map[string]string),
		}
	}
	return nil
}

// ReadGroup implements Broker.
func (b *MemoryBroker) ReadGroup(ctx context.Context, req ReadRequest) ([]Message, error) {
	var deadline <-chan time.Time
	if req.Block > 0 && !req.Pending {
		timer := time.NewTimer(req.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		s := b.stream(req.Stream, false)
		var g *memGroup
		if s != nil {
			g = s.groups[req.Group]
		}
		if g == nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, req.Stream, req.Group)
		}
		g.consumers[req.Consumer] = struct{}{}

		if req.Pending {
			msgs := b.pendingFor(s, g, req.Consumer, req.After, req.Count)
			b.mu.Unlock()
			return msgs, nil
		}

		msgs := deliverNew(s, g, req.Consumer, req.Count)
		wait := b.notify
		b.mu.Unlock()

		if len(msgs) > 0 || deadline == nil {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (b *MemoryBroker) pendingFor(s *memStream, g *memGroup, consumer, after string, count int) []Message {
	ids := make([]string, 0, len(g.pending))
	for id, owner := range g.pending {
		if owner == consumer && (after == "" || CompareIDs(id, after) > 0) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })
	if count > 0 && len(ids) > count {
		ids = ids[:count]
	}

	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg := Message{ID: id}
		if idx, ok := s.find(id); ok {
			msg.Fields = copyFields(s.entries[idx].Fields)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func deliverNew(s *memStream, g *memGroup, consumer string, count int) []Message {
	var msgs []Message
	for _, e := range s.entries {
		id, _ := ParseID(e.ID)
		if !g.lastDelivered.Less(id) {
			continue
		}
		msgs = append(msgs, Message{ID: e.ID, Fields: copyFields(e.Fields)})
		g.lastDelivered = id
		g.pending[e.ID] = consumer
		if count > 0 && len(msgs) == count {
			break
		}
	}
	return msgs
}

func (s *memStream) find(id string) (int, bool) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return CompareIDs(s.entries[i].ID, id) >= 0
	})
	if idx < len(s.entries) && s.entries[idx].ID == id {
		return idx, true
	}
	return idx, false
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(_ context.Context, stream, group string, ids ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	s := b.stream(stream, false)
	if s == nil || s.groups[group] == nil {
		return 0, nil
	}
	g := s.groups[group]

	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// Range implements Broker.
func (b *MemoryBroker) Range(_ context.Context, stream, start, end string, count int) ([]Message, error) {
	lo, err := parseBound(start, false)
	if err != nil {
		return nil, err
	}
	hi, err := parseBound(end, true)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := b.stream(stream, false)
	if s == nil {
		return nil, nil
	}

	var msgs []Message
	for _, e := range s.entries {
		id, _ := ParseID(e.ID)
		if id.Less(lo) {
			continue
		}
		if hi.Less(id) {
			break
		}
		msgs = append(msgs, Message{ID: e.ID, Fields: copyFields(e.Fields)})
		if count > 0 && len(msgs) == count {
			break
		}
	}
	return msgs, nil
}

// parseBound parses a range bound. A bare "<ms>" end bound covers the
// whole millisecond, as in Redis.
func parseBound(s string, upper bool) (ID, error) {
	switch s {
	case "-":
		return ID{}, nil
	case "+":
		return ID{Ms: math.MaxUint64, Seq: math.MaxUint64}, nil
	}
	id, err := ParseID(s)
	if err != nil {
		return ID{}, err
	}
	if upper && !strings.Contains(s, "-") {
		id.Seq = math.MaxUint64
	}
	return id, nil
}

// Delete implements Broker.
func (b *MemoryBroker) Delete(_ context.Context, stream string, ids ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	s := b.stream(stream, false)
	if s == nil {
		return 0, nil
	}

	var n int64
	for _, id := range ids {
		if idx, ok := s.find(id); ok {
			s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
			n++
		}
	}
	return n, nil
}

// Len implements Broker.
func (b *MemoryBroker) Len(_ context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	s := b.stream(stream, false)
	if s == nil {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// TrimBefore implements Broker.
func (b *MemoryBroker) TrimBefore(_ context.Context, stream, minID string) (int64, error) {
	minimum, err := ParseID(minID)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	s := b.stream(stream, false)
	if s == nil {
		return 0, nil
	}

	idx := sort.Search(len(s.entries), func(i int) bool {
		id, _ := ParseID(s.entries[i].ID)
		return !id.Less(minimum)
	})
	s.entries = append([]Message(nil), s.entries[idx:]...)
	return int64(idx), nil
}

// Expire implements Broker.
func (b *MemoryBroker) Expire(_ context.Context, stream string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if s := b.stream(stream, false); s != nil {
		s.expireAt = b.now().Add(ttl)
	}
	return nil
}

// GroupInfo implements Broker.
func (b *MemoryBroker) GroupInfo(_ context.Context, stream, group string) (GroupInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return GroupInfo{}, ErrClosed
	}

	s := b.stream(stream, false)
	if s == nil || s.groups[group] == nil {
		return GroupInfo{}, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, stream, group)
	}
	g := s.groups[group]

	info := GroupInfo{
		Name:            group,
		Consumers:       int64(len(g.consumers)),
		Pending:         int64(len(g.pending)),
		LastDeliveredID: g.lastDelivered.String(),
	}
	for _, e := range s.entries {
		id, _ := ParseID(e.ID)
		if g.lastDelivered.Less(id) {
			info.Lag++
		}
	}
	return info, nil
}

// Close implements Broker. Blocked readers return ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
