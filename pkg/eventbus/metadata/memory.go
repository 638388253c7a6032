package metadata

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory metadata store.
// It is suitable for testing and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
	closed  bool
}

// NewMemoryStore creates a new in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[rec.EventID]; ok {
		return ErrDuplicate
	}

	now := s.now()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.EventID] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, eventID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.records[eventID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, eventID string, to Status, from ...Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	rec, ok := s.records[eventID]
	if !ok || !containsStatus(from, rec.Status) {
		return false, nil
	}

	now := s.now()
	rec.Status = to
	rec.UpdatedAt = now
	if to.Terminal() {
		rec.ProcessedAt = &now
	}
	s.records[eventID] = rec
	return true, nil
}

// RecordAttempt implements Store.
func (s *MemoryStore) RecordAttempt(_ context.Context, eventID string, attempts int, lastErr string, status Status, from ...Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	rec, ok := s.records[eventID]
	if !ok {
		if len(from) == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}
	if !containsStatus(from, rec.Status) {
		return false, nil
	}

	now := s.now()
	rec.Attempts = attempts
	rec.LastError = lastErr
	rec.Status = status
	rec.UpdatedAt = now
	if status.Terminal() {
		rec.ProcessedAt = &now
	}
	s.records[eventID] = rec
	return true, nil
}

// CountByStatus implements Store.
func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	counts := make(map[Status]int64)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
