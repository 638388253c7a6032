package eventbus

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DelayScheduler runs tasks after a delay without blocking the caller.
type DelayScheduler interface {
	// Schedule registers task to run once after delay.
	Schedule(delay time.Duration, task func(ctx context.Context)) error

	// Close stops accepting tasks and runs every task still waiting,
	// immediately, before returning.
	Close() error
}

// TimerScheduler is a DelayScheduler backed by runtime timers.
//
// Pending tasks live in process memory: a crash loses them, a graceful Close
// runs them early.
type TimerScheduler struct {
	mu      sync.Mutex
	pending map[uint64]*time.Timer
	tasks   map[uint64]func(context.Context)
	nextID  uint64
	closed  bool
	running sync.WaitGroup
	timeout time.Duration
}

// NewTimerScheduler creates a scheduler. Each task runs with a context
// bounded by taskTimeout (no bound when zero).
func NewTimerScheduler(taskTimeout time.Duration) *TimerScheduler {
	return &TimerScheduler{
		pending: make(map[uint64]*time.Timer),
		tasks:   make(map[uint64]func(context.Context)),
		timeout: taskTimeout,
	}
}

// Schedule implements DelayScheduler.
func (s *TimerScheduler) Schedule(delay time.Duration, task func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}

	s.nextID++
	id := s.nextID
	s.tasks[id] = task
	s.pending[id] = time.AfterFunc(delay, func() {
		if t := s.take(id); t != nil {
			s.run(t)
		}
	})
	return nil
}

// take removes a task so that it runs exactly once.
func (s *TimerScheduler) take(id uint64) func(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	delete(s.tasks, id)
	delete(s.pending, id)
	s.running.Add(1)
	return task
}

func (s *TimerScheduler) run(task func(context.Context)) {
	defer s.running.Done()

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	task(ctx)
}

// Pending returns the number of tasks waiting for their timer.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close implements DelayScheduler.
func (s *TimerScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.running.Wait()
		return nil
	}
	s.closed = true
	ids := make([]uint64, 0, len(s.pending))
	for id, timer := range s.pending {
		timer.Stop()
		ids = append(ids, id)
	}
	s.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		if t := s.take(id); t != nil {
			s.run(t)
		}
	}
	s.running.Wait()
	return nil
}

var _ DelayScheduler = (*TimerScheduler)(nil)
