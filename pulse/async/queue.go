package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

const (
	// MaxJobsLimit caps list queries
	MaxJobsLimit = 10000
	// MaxWorkItems caps the size of a single job
	MaxWorkItems = 1000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// SubmitOptions describes who submitted a job and how to label it
type SubmitOptions struct {
	Source string
	Label  string
}

// Queue is the entry point for submitting, inspecting and cancelling segment
// jobs. Every committed change is published to subscribers, and terminal
// transitions made through the queue fire the completion notifier.
type Queue struct {
	store       *Store
	notifier    *CompletionNotifier
	metrics     *Metrics
	log         pulseLogger
	now         func() time.Time
	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		metrics:     NewMetrics(),
		log:         newPulseLogger(nil, "queue"),
		now:         time.Now,
		subscribers: make([]chan *Job, 0),
	}
}

// SetLogger replaces the queue's logger
func (q *Queue) SetLogger(l *zap.SugaredLogger) {
	q.log = newPulseLogger(l, "queue")
}

// SetNotifier installs the completion notifier used for terminal transitions
func (q *Queue) SetNotifier(n *CompletionNotifier) {
	q.notifier = n
}

// WithClock replaces the time source of the queue and its store (tests)
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	q.store.WithClock(now)
	return q
}

// Now returns the queue's current time in UTC
func (q *Queue) Now() time.Time {
	return q.now().UTC()
}

// Store returns the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// SubmitJob creates a pending job for workItems and returns its ID.
// Validation of the items themselves is the caller's concern; only emptiness
// and size are checked here.
func (q *Queue) SubmitJob(ctx context.Context, workItems []string, opts SubmitOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "submit job")
	}
	if len(workItems) > MaxWorkItems {
		return "", errors.NewInvalidRequestError("job has %d work items (max %d)", len(workItems), MaxWorkItems)
	}

	job, err := NewJob(workItems, opts.Source, opts.Label, q.now())
	if err != nil {
		return "", err
	}

	if err := q.store.CreateJob(job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Work items: %d", len(job.WorkItems)))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return "", err
	}

	q.metrics.JobsSubmittedTotal.Inc()
	q.log.Pulse("Job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldBatchSize, len(job.WorkItems),
		logger.FieldSource, job.Source)

	q.publish(job)
	return job.ID, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(id string) (*Job, error) {
	return q.store.GetJob(id)
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(status, clampLimit(limit))
}

// ListActiveJobs returns non-terminal jobs created at or after since
func (q *Queue) ListActiveJobs(since time.Time, limit int) ([]*Job, error) {
	return q.store.ListActiveJobs(since, clampLimit(limit))
}

// ListAttempts returns the attempt history of a job
func (q *Queue) ListAttempts(id string) ([]AttemptRecord, error) {
	if _, err := q.store.GetJob(id); err != nil {
		return nil, err
	}
	return q.store.ListAttempts(id)
}

// CancelJob moves a non-terminal job to cancelled and fires the completion
// notifier with the cancelled payload. An attempt already in flight runs to
// completion and its result is discarded. Cancelling a terminal job returns
// ErrFrozen.
func (q *Queue) CancelJob(ctx context.Context, id string) error {
	var from JobStatus
	_, err := q.transition(ctx, id, func(job *Job) error {
		from = job.Status
		job.ErrorMessage = "cancelled"
		job.finish(JobStatusCancelled, q.Now())
		return nil
	})
	if err != nil {
		err = errors.Wrapf(err, "failed to cancel job %s", id)
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}

	q.log.Pulse("Job cancelled",
		logger.FieldJobID, id,
		logger.FieldFromStatus, from)
	return nil
}

// transition applies fn through Store.Mutate, then publishes the committed
// job and fires the notifier when the write made the job terminal.
func (q *Queue) transition(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	job, err := q.store.Mutate(ctx, id, fn)
	if err != nil {
		return job, err
	}

	q.metrics.RecordTransition(job.Status)
	q.publish(job)

	if job.Status.IsTerminal() && q.notifier != nil {
		q.notifier.Fire(ctx, job)
	}
	return job, nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the publisher.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// publish sends a copy of job to every subscriber.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) publish(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job.Clone():
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

// Cleanup removes terminal jobs last updated more than olderThan ago
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, "cleanup")
	}
	if olderThan <= 0 {
		return 0, errors.NewInvalidRequestError("retention must be positive, got %s", olderThan)
	}
	return q.store.CleanupOldJobs(olderThan)
}

// QueueStats returns counts per status
type QueueStats struct {
	Pending             int `json:"pending"`
	InProgress          int `json:"in_progress"`
	Retrying            int `json:"retrying"`
	WaitingRetry        int `json:"waiting_retry"`
	Completed           int `json:"completed"`
	CompletedWithErrors int `json:"completed_with_errors"`
	Failed              int `json:"failed"`
	Cancelled           int `json:"cancelled"`
	Total               int `json:"total"`
}

// Active is the number of non-terminal jobs
func (s *QueueStats) Active() int {
	return s.Pending + s.InProgress + s.Retrying + s.WaitingRetry
}

// GetStats returns queue statistics and refreshes the per-status gauge
func (q *Queue) GetStats() (*QueueStats, error) {
	counts, err := q.store.CountByStatus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}
	q.metrics.SetStatusCounts(counts)

	stats := &QueueStats{
		Pending:             counts[JobStatusPending],
		InProgress:          counts[JobStatusInProgress],
		Retrying:            counts[JobStatusRetrying],
		WaitingRetry:        counts[JobStatusWaitingRetry],
		Completed:           counts[JobStatusCompleted],
		CompletedWithErrors: counts[JobStatusCompletedWithErrors],
		Failed:              counts[JobStatusFailed],
		Cancelled:           counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxJobsLimit {
		return MaxJobsLimit
	}
	return limit
}
