package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// DefaultReplayTTL is how long a replay audit stream is kept.
const DefaultReplayTTL = 24 * time.Hour

var errReplayCancelled = errors.New("replay cancelled")

// ReplayRequest selects the events to replay.
type ReplayRequest struct {
	Start time.Time
	End   time.Time

	// Types restricts the replay to event types starting with any of these
	// prefixes. Empty replays every type.
	Types []string

	// Tenants restricts the replay to these tenants. Empty replays all.
	Tenants []string
}

func (r ReplayRequest) matches(env *event.Envelope) bool {
	if len(r.Types) > 0 {
		ok := false
		for _, prefix := range r.Types {
			if strings.HasPrefix(env.Type, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Tenants) > 0 {
		ok := false
		for _, tenant := range r.Tenants {
			if env.TenantID == tenant {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ReplayConfig configures a ReplayEngine.
type ReplayConfig struct {
	// Stream is the main log read from. Default: "events.main".
	Stream string

	// AuditPrefix names the per-job audit streams. Default: "events.replay.".
	AuditPrefix string

	// AuditTTL is the audit stream lifetime. Default: 24h.
	AuditTTL time.Duration

	// PageSize is the range read page size. Default: broker.DefaultPageSize.
	PageSize int

	Jobs    JobStore
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// ReplayEngine re-publishes historical events from the main log.
//
// Jobs run asynchronously. Each replayed event is a new event carrying the
// original type, payload, tenant, actor and source, a correlation ID shared
// by the whole job and a replayOf marker naming the job. Events that are
// themselves replays are never replayed again.
type ReplayEngine struct {
	broker    broker.Broker
	publisher *Publisher
	jobs      JobStore
	stream    string
	prefix    string
	ttl       time.Duration
	pageSize  int
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	now       func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewReplayEngine creates a replay engine.
func NewReplayEngine(b broker.Broker, publisher *Publisher, cfg ReplayConfig) *ReplayEngine {
	if cfg.Stream == "" {
		cfg.Stream = DefaultMainStream
	}
	if cfg.AuditPrefix == "" {
		cfg.AuditPrefix = DefaultReplayPrefix
	}
	if cfg.AuditTTL <= 0 {
		cfg.AuditTTL = DefaultReplayTTL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = broker.DefaultPageSize
	}
	if cfg.Jobs == nil {
		cfg.Jobs = NewMemoryJobStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &ReplayEngine{
		broker:    b,
		publisher: publisher,
		jobs:      cfg.Jobs,
		stream:    cfg.Stream,
		prefix:    cfg.AuditPrefix,
		ttl:       cfg.AuditTTL,
		pageSize:  cfg.PageSize,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		cancels:   make(map[string]context.CancelFunc),
	}
}

// StartReplay validates the request, records a PENDING job and runs it in
// the background. It returns the job ID.
func (e *ReplayEngine) StartReplay(ctx context.Context, req ReplayRequest) (string, error) {
	if req.Start.IsZero() || req.End.IsZero() {
		return "", fmt.Errorf("%w: start and end are required", ErrInvalidReplay)
	}
	if req.End.Before(req.Start) {
		return "", fmt.Errorf("%w: end %s is before start %s", ErrInvalidReplay, req.End, req.Start)
	}

	job := &ReplayJob{
		ID:        uuid.NewString(),
		Start:     req.Start.UTC(),
		End:       req.End.UTC(),
		Types:     req.Types,
		Tenants:   req.Tenants,
		Status:    JobPending,
		CreatedAt: e.now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", fmt.Errorf("%w: replay engine closed", ErrInvalidReplay)
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create replay job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancels[job.ID] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, job.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(runCtx, job, req)
	}()
	return job.ID, nil
}

// Status returns a snapshot of a job.
func (e *ReplayEngine) Status(ctx context.Context, jobID string) (*ReplayJob, error) {
	return e.jobs.Get(ctx, jobID)
}

// Jobs lists jobs, newest first, optionally filtered by status.
func (e *ReplayEngine) Jobs(ctx context.Context, status JobStatus) ([]*ReplayJob, error) {
	return e.jobs.List(ctx, status)
}

// Close cancels running jobs and waits for them to finish. Cancelled jobs
// end FAILED.
func (e *ReplayEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *ReplayEngine) run(ctx context.Context, job *ReplayJob, req ReplayRequest) {
	job.Status = JobRunning
	e.save(ctx, job)

	err := e.replay(ctx, job, req)

	finished := e.now()
	job.FinishedAt = &finished
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
	} else {
		job.Status = JobCompleted
		job.ProgressPercent = 100
	}
	e.save(context.WithoutCancel(ctx), job)
	observability.LogReplayComplete(e.logger, job.ID, job.EventsReplayed, job.TotalCandidates, err)
}

func (e *ReplayEngine) replay(ctx context.Context, job *ReplayJob, req ReplayRequest) error {
	// Events published after the job started, including its own output,
	// are out of range.
	end := job.End
	if created := job.CreatedAt; end.After(created) {
		end = created
	}
	start := broker.IDFromTime(job.Start)
	stop := broker.EndIDFromTime(end)

	total, err := e.scan(ctx, start, stop, req, nil)
	if err != nil {
		return fmt.Errorf("count candidates: %w", err)
	}
	job.TotalCandidates = total
	e.save(ctx, job)
	if total == 0 {
		return nil
	}

	correlationID := uuid.NewString()
	audit := e.prefix + job.ID
	_, err = e.scan(ctx, start, stop, req, func(original *event.Envelope) error {
		id, err := e.publisher.Publish(ctx, original.Type, original.Payload, PublishContext{
			TenantID:      original.TenantID,
			ActorID:       original.ActorID,
			Source:        original.Source,
			CorrelationID: correlationID,
			ReplayOf:      job.ID,
		})
		if err != nil {
			return err
		}

		job.EventsReplayed++
		job.ProgressPercent = float64(job.EventsReplayed) / float64(total) * 100
		e.save(ctx, job)
		e.metrics.RecordReplayed(ctx, original.Type)
		e.audit(ctx, audit, original.ID, id, job.EventsReplayed == 1)
		return nil
	})
	return err
}

// scan walks the range, calling fn for each distinct, non-replay envelope
// that matches the request, and returns how many there were.
func (e *ReplayEngine) scan(ctx context.Context, start, end string, req ReplayRequest, fn func(*event.Envelope) error) (int, error) {
	seen := make(map[string]struct{})
	count := 0

	cur := broker.NewCursor(e.broker, e.stream, start, end, e.pageSize)
	for cur.Next(ctx) {
		if ctx.Err() != nil {
			return count, errReplayCancelled
		}
		d, err := decodeDelivery(cur.Message())
		if err != nil || d.env.IsReplay() || !req.matches(d.env) {
			continue
		}
		if _, dup := seen[d.env.ID]; dup {
			continue
		}
		seen[d.env.ID] = struct{}{}
		count++

		if fn != nil {
			if err := fn(d.env); err != nil {
				return count, err
			}
		}
	}
	if err := cur.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return count, errReplayCancelled
		}
		return count, err
	}
	if ctx.Err() != nil {
		return count, errReplayCancelled
	}
	return count, nil
}

// audit records the replayed pair. Audit failures are logged only.
func (e *ReplayEngine) audit(ctx context.Context, stream, originalID, eventID string, first bool) {
	_, err := e.broker.Append(ctx, stream, map[string]string{
		FieldOriginalID: originalID,
		FieldEventID:    eventID,
	})
	if err == nil && first {
		err = e.broker.Expire(ctx, stream, e.ttl)
	}
	if err != nil {
		e.logger.Warn("replay audit write failed",
			slog.String("stream", stream),
			slog.String("error", err.Error()),
		)
	}
}

func (e *ReplayEngine) save(ctx context.Context, job *ReplayJob) {
	if err := e.jobs.Update(ctx, job); err != nil {
		e.logger.Warn("replay job update failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}
