package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// Capacity alert thresholds for the dead letter queue.
const (
	DLQWarnRatio     = 0.80
	DLQCriticalRatio = 0.95
)

// DeadLetter is an event that exhausted its retries, with failure context.
type DeadLetter struct {
	// EntryID is the position of the entry in the dead letter log.
	EntryID string

	EventID       string
	TenantID      string
	Handler       string
	Attempts      int
	FailureReason string
	MovedAt       time.Time

	// Envelope is nil when the original entry could not be decoded.
	Envelope *event.Envelope

	// Raw holds the undecodable body when Envelope is nil.
	Raw string
}

// DLQQuery selects a page of dead letters. Page is 1-based.
type DLQQuery struct {
	Page     int
	PageSize int
	TenantID string
}

// DLQPage is a page of dead letters and the total matching the query.
type DLQPage struct {
	Entries []DeadLetter
	Total   int
}

// DeadLetterQueue is a secondary log of exhausted events.
//
// Writes are never rejected. Capacity is advisory: Append logs a warning at
// the warn ratio and a critical alert at the critical ratio.
type DeadLetterQueue struct {
	broker   broker.Broker
	stream   string
	capacity int64
	warn     float64
	critical float64
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeadLetterQueue creates a dead letter queue on stream. A capacity of
// zero disables the capacity alerts.
func NewDeadLetterQueue(b broker.Broker, stream string, capacity int64, logger *slog.Logger) *DeadLetterQueue {
	if stream == "" {
		stream = DefaultDLQStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterQueue{
		broker:   b,
		stream:   stream,
		capacity: capacity,
		warn:     DLQWarnRatio,
		critical: DLQCriticalRatio,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Stream returns the dead letter log name.
func (q *DeadLetterQueue) Stream() string {
	return q.stream
}

// Append writes a dead letter and returns its entry ID.
// MovedAt is stamped when zero.
func (q *DeadLetterQueue) Append(ctx context.Context, dl DeadLetter) (string, error) {
	q.CheckCapacity(ctx)

	if dl.MovedAt.IsZero() {
		dl.MovedAt = q.now()
	}
	fields := map[string]string{
		FieldEventID:       dl.EventID,
		FieldTenantID:      dl.TenantID,
		FieldHandler:       dl.Handler,
		FieldAttempts:      strconv.Itoa(dl.Attempts),
		FieldFailureReason: dl.FailureReason,
		FieldMovedAt:       dl.MovedAt.Format(time.RFC3339Nano),
	}
	if dl.Envelope != nil {
		data, err := dl.Envelope.Marshal()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		fields[FieldEnvelope] = string(data)
		fields[FieldType] = dl.Envelope.Type
	} else {
		fields[FieldEnvelope] = dl.Raw
	}

	id, err := q.broker.Append(ctx, q.stream, fields)
	if err != nil {
		return "", fmt.Errorf("append dead letter: %w", err)
	}
	return id, nil
}

// SetAlertRatios overrides the capacity alert thresholds. Non-positive
// values keep the current threshold.
func (q *DeadLetterQueue) SetAlertRatios(warn, critical float64) {
	if warn > 0 {
		q.warn = warn
	}
	if critical > 0 {
		q.critical = critical
	}
}

// CheckCapacity logs when the queue crosses an alert threshold.
// It returns the current length, or -1 if it could not be read.
func (q *DeadLetterQueue) CheckCapacity(ctx context.Context) int64 {
	length, err := q.broker.Len(ctx, q.stream)
	if err != nil {
		q.logger.Warn("dead letter queue length unavailable", slog.String("error", err.Error()))
		return -1
	}
	if q.capacity <= 0 {
		return length
	}

	ratio := float64(length) / float64(q.capacity)
	switch {
	case ratio >= q.critical:
		observability.LogDLQCapacity(q.logger, length, q.capacity, true)
	case ratio >= q.warn:
		observability.LogDLQCapacity(q.logger, length, q.capacity, false)
	}
	return length
}

// Len returns the number of dead letters.
func (q *DeadLetterQueue) Len(ctx context.Context) (int64, error) {
	return q.broker.Len(ctx, q.stream)
}

// List returns a page of dead letters, oldest first, optionally restricted
// to one tenant.
func (q *DeadLetterQueue) List(ctx context.Context, query DLQQuery) (DLQPage, error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = 50
	}
	skip := (query.Page - 1) * query.PageSize

	page := DLQPage{Entries: []DeadLetter{}}
	cur := broker.NewCursor(q.broker, q.stream, "-", "+", broker.DefaultPageSize)
	for cur.Next(ctx) {
		msg := cur.Message()
		if query.TenantID != "" && msg.Fields[FieldTenantID] != query.TenantID {
			continue
		}
		page.Total++
		if page.Total <= skip || len(page.Entries) >= query.PageSize {
			continue
		}
		page.Entries = append(page.Entries, parseDeadLetter(msg))
	}
	if err := cur.Err(); err != nil {
		return DLQPage{}, fmt.Errorf("list dead letters: %w", err)
	}
	return page, nil
}

// Get returns a single dead letter.
func (q *DeadLetterQueue) Get(ctx context.Context, entryID string) (DeadLetter, error) {
	if _, err := broker.ParseID(entryID); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, entryID)
	}
	msgs, err := q.broker.Range(ctx, q.stream, entryID, entryID, 1)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("get dead letter: %w", err)
	}
	if len(msgs) == 0 || msgs[0].ID != entryID {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, entryID)
	}
	return parseDeadLetter(msgs[0]), nil
}

// Delete removes a dead letter and reports whether it existed.
func (q *DeadLetterQueue) Delete(ctx context.Context, entryID string) (bool, error) {
	if _, err := broker.ParseID(entryID); err != nil {
		return false, nil
	}
	n, err := q.broker.Delete(ctx, q.stream, entryID)
	if err != nil {
		return false, fmt.Errorf("delete dead letter: %w", err)
	}
	return n > 0, nil
}

func parseDeadLetter(msg broker.Message) DeadLetter {
	dl := DeadLetter{
		EntryID:       msg.ID,
		EventID:       msg.Fields[FieldEventID],
		TenantID:      msg.Fields[FieldTenantID],
		Handler:       msg.Fields[FieldHandler],
		FailureReason: msg.Fields[FieldFailureReason],
	}
	dl.Attempts, _ = strconv.Atoi(msg.Fields[FieldAttempts])
	dl.MovedAt, _ = time.Parse(time.RFC3339Nano, msg.Fields[FieldMovedAt])

	raw := msg.Fields[FieldEnvelope]
	if env, err := event.Decode([]byte(raw)); err == nil {
		dl.Envelope = env
	} else {
		dl.Raw = raw
	}
	return dl
}
