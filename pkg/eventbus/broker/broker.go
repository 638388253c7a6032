// Package broker abstracts the durable, append-only log the bus is built on.
//
// The contract mirrors Redis Streams: entries are appended with a
// broker-assigned, monotonically increasing ID of the form "<ms>-<seq>",
// consumer groups hand each entry to exactly one member at a time, and an
// entry stays in the group's pending list until it is acknowledged.
//
// Two implementations are provided:
//   - RedisBroker: Redis Streams via go-redis, for production.
//   - MemoryBroker: an in-process emulation, for tests and single-node use.
package broker

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("broker closed")

	// ErrGroupNotFound is returned when a consumer group does not exist.
	ErrGroupNotFound = errors.New("consumer group not found")

	// ErrInvalidID is returned for malformed stream entry IDs.
	ErrInvalidID = errors.New("invalid stream id")
)

// Message is a single log entry.
//
// Fields is nil for an entry that was claimed by a consumer and later
// deleted from the log before it was acknowledged.
type Message struct {
	ID     string
	Fields map[string]string
}

// ReadRequest describes a consumer-group read.
type ReadRequest struct {
	Stream   string
	Group    string
	Consumer string

	// Count caps the number of entries returned.
	Count int

	// Block is the maximum time to wait for new entries.
	// Zero or negative returns immediately.
	Block time.Duration

	// Pending re-reads entries already delivered to this consumer but not
	// yet acknowledged, instead of new entries. It never blocks.
	Pending bool

	// After pages a pending read: only entries with a greater ID are
	// returned. Empty starts at the oldest pending entry.
	After string
}

// GroupInfo summarizes a consumer group.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string

	// Lag is the number of entries not yet delivered to the group.
	Lag int64
}

// Broker is a partitioned log with consumer-group semantics.
type Broker interface {
	// Append adds an entry and returns its broker-assigned ID.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// EnsureGroup creates the consumer group (and the stream) if missing.
	// New groups start at the beginning of the stream.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup claims entries for a consumer.
	// It returns an empty slice, not an error, when the wait times out.
	ReadGroup(ctx context.Context, req ReadRequest) ([]Message, error)

	// Ack removes entries from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// Range returns entries with start <= ID <= end. "-" and "+" denote the
	// minimum and maximum IDs. count <= 0 means unlimited.
	Range(ctx context.Context, stream, start, end string, count int) ([]Message, error)

	// Delete removes entries and returns how many existed.
	Delete(ctx context.Context, stream string, ids ...string) (int64, error)

	// Len returns the number of entries in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// TrimBefore removes every entry with an ID lower than minID.
	TrimBefore(ctx context.Context, stream, minID string) (int64, error)

	// Expire deletes the whole stream after ttl.
	Expire(ctx context.Context, stream string, ttl time.Duration) error

	// GroupInfo reports pending count and lag for a group.
	GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error)

	// Close releases resources.
	Close() error
}
