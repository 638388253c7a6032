package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// JobStatus is the state of a replay job.
type JobStatus string

// Replay job states.
const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ReplayJob tracks one replay request.
type ReplayJob struct {
	ID      string
	Start   time.Time
	End     time.Time
	Types   []string
	Tenants []string

	Status          JobStatus
	ProgressPercent float64
	EventsReplayed  int
	TotalCandidates int
	Error           string

	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Clone returns a deep copy.
func (j *ReplayJob) Clone() *ReplayJob {
	c := *j
	c.Types = slices.Clone(j.Types)
	c.Tenants = slices.Clone(j.Tenants)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// JobStore persists replay jobs.
// Implementations must be safe for concurrent use.
type JobStore interface {
	// Create persists a new job.
	Create(ctx context.Context, job *ReplayJob) error

	// Update persists changes to an existing job.
	Update(ctx context.Context, job *ReplayJob) error

	// Get retrieves a job by ID.
	// Returns ErrJobNotFound if the job doesn't exist.
	Get(ctx context.Context, jobID string) (*ReplayJob, error)

	// List returns jobs, newest first, optionally filtered by status.
	List(ctx context.Context, status JobStatus) ([]*ReplayJob, error)
}

// MemoryJobStore is an in-memory JobStore.
// Suitable for testing and single-instance deployments.
type MemoryJobStore struct {
	jobs map[string]*ReplayJob
	mu   sync.RWMutex
}

// NewMemoryJobStore creates a new in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*ReplayJob),
	}
}

// Create persists a new job.
func (s *MemoryJobStore) Create(_ context.Context, job *ReplayJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}

	s.jobs[job.ID] = job.Clone()
	return nil
}

// Update persists changes to an existing job.
func (s *MemoryJobStore) Update(_ context.Context, job *ReplayJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return ErrJobNotFound
	}

	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get retrieves a job by ID.
func (s *MemoryJobStore) Get(_ context.Context, jobID string) (*ReplayJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns jobs, newest first.
func (s *MemoryJobStore) List(_ context.Context, status JobStatus) ([]*ReplayJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ReplayJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		result = append(result, job.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Compile-time check that MemoryJobStore implements JobStore.
var _ JobStore = (*MemoryJobStore)(nil)
