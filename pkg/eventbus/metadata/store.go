// Package metadata persists per-event processing state.
//
// One Record exists per published event, keyed by event ID. The publisher
// creates it PENDING; the consumer loop and retry coordinator are the only
// writers afterwards. Writes that change status are conditional so that two
// processes cannot both move the same event out of the same state.
package metadata

import (
	"context"
	"errors"
	"time"
)

// Status is the processing state of an event.
type Status string

// Event processing states.
const (
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// Terminal reports whether no further processing is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// Record is the mutable bookkeeping row for one event.
type Record struct {
	EventID        string
	EventType      string
	TenantID       string
	StreamPosition string
	Status         Status
	Attempts       int
	LastError      string
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists event metadata.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new record.
	// Returns ErrDuplicate if a record with the same event ID exists.
	Create(ctx context.Context, rec Record) error

	// Get retrieves a record.
	// Returns ErrNotFound if the record doesn't exist.
	Get(ctx context.Context, eventID string) (Record, error)

	// Transition sets the status to `to` if the current status is one of
	// `from` (any status when from is empty). It reports whether the write
	// applied. Terminal statuses stamp ProcessedAt.
	Transition(ctx context.Context, eventID string, to Status, from ...Status) (bool, error)

	// RecordAttempt stores the attempt counter, last error and status after
	// a handler failure, if the current status is one of `from` (any status
	// when from is empty). It reports whether the write applied. With an
	// empty from, a missing record returns ErrNotFound.
	RecordAttempt(ctx context.Context, eventID string, attempts int, lastErr string, status Status, from ...Status) (bool, error)

	// CountByStatus returns the number of records in each status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for metadata operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("metadata record not found")

	// ErrDuplicate indicates a record with the same event ID exists.
	ErrDuplicate = errors.New("metadata record already exists")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("metadata store closed")
)

func containsStatus(set []Status, s Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
