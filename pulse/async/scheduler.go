package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// SchedulerConfig bounds retries and spaces them out
type SchedulerConfig struct {
	// MaxRetries is the total number of attempts a job gets, the first included
	MaxRetries int
	// Policy computes the wait before each retry
	Policy RetryPolicy
}

// DefaultSchedulerConfig returns three attempts five minutes apart
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxRetries: DefaultMaxRetries,
		Policy:     NewFixedDelay(DefaultRetryDelay),
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.MaxRetries < 1 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Policy == nil {
		c.Policy = NewFixedDelay(DefaultRetryDelay)
	}
	return c
}

// errorSummaryLimit is how many per-item failure details ErrorMessage carries
const errorSummaryLimit = 3

// Scheduler runs attempts against a BatchExecutor and drives each job through
// its state machine. Every state change goes through the queue, so subscribers
// see it and terminal transitions fire the completion notifier.
type Scheduler struct {
	queue    *Queue
	executor BatchExecutor
	log      pulseLogger
	metrics  *Metrics

	mu  sync.RWMutex
	cfg SchedulerConfig
}

// NewScheduler creates a scheduler over queue
func NewScheduler(queue *Queue, executor BatchExecutor, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		queue:    queue,
		executor: executor,
		log:      newPulseLogger(log, "scheduler"),
		metrics:  NewMetrics(),
		cfg:      cfg.withDefaults(),
	}
}

// Config returns the current retry configuration
func (s *Scheduler) Config() SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Configure replaces the retry configuration. Jobs already waiting keep the
// NextRetryAt computed when their retry was scheduled.
func (s *Scheduler) Configure(cfg SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Queue returns the queue the scheduler drives
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// claim is what a successful claim hands to the rest of the attempt
type claim struct {
	status  JobStatus
	version int64
	input   []string
	attempt int
}

// RunAttempt runs one attempt of jobID if the job is ready for one: pending,
// or waiting_retry with NextRetryAt reached. Anything else is a no-op,
// including losing the claim to another runner.
//
// Executor failures are recorded on the job and never returned; the error is
// non-nil only when the store fails.
func (s *Scheduler) RunAttempt(ctx context.Context, jobID string) error {
	_, err := s.tryAttempt(ctx, jobID)
	return err
}

// tryAttempt is RunAttempt reporting whether this caller ran the attempt
func (s *Scheduler) tryAttempt(ctx context.Context, jobID string) (bool, error) {
	job, err := s.queue.GetJob(jobID)
	if err != nil {
		return false, err
	}
	if job.Status != JobStatusPending && !job.IsDue(s.queue.Now()) {
		s.log.Debugw("Job not ready for an attempt",
			logger.FieldJobID, jobID,
			logger.FieldStatus, job.Status)
		return false, nil
	}

	c, ok, err := s.claim(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	return true, s.runClaimed(ctx, jobID, c)
}

func (s *Scheduler) runClaimed(ctx context.Context, jobID string, c claim) error {
	cfg := s.Config()

	s.log.Pulse("Attempt started",
		logger.FieldJobID, jobID,
		logger.FieldStatus, c.status,
		"attempt", c.attempt,
		logger.FieldBatchSize, len(c.input))

	startedAt := s.queue.Now()
	start := time.Now()
	outcomes, execErr := safeExecute(logger.WithJobID(ctx, jobID), s.executor, c.input)
	elapsed := time.Since(start)
	finishedAt := s.queue.Now()

	var tally attemptTally
	wholesale := execErr != nil
	if wholesale {
		tally = wholesaleTally(c.input)
		s.log.Warnw("Attempt failed wholesale",
			logger.FieldJobID, jobID,
			logger.FieldError, execErr)
	} else {
		tally = tallyOutcomes(c.input, outcomes)
		if len(tally.Unrequested) > 0 {
			s.log.Warnw("Ignoring outcomes for items not in the attempt",
				logger.FieldJobID, jobID,
				"items", tally.Unrequested)
		}
		if len(tally.Missing) > 0 {
			s.log.Warnw("Executor returned no outcome for some items, counting them as failed",
				logger.FieldJobID, jobID,
				"items", tally.Missing)
		}
	}

	// The result must be committed even if the caller's context ends mid-attempt
	applyCtx := context.WithoutCancel(ctx)

	discarded := false
	final, err := s.queue.transition(applyCtx, jobID, func(j *Job) error {
		if j.Status != c.status || j.Version != c.version {
			discarded = true
			return ErrSkipWrite
		}
		s.apply(j, tally, execErr, cfg, c.attempt)
		return nil
	})
	switch {
	case errors.Is(err, ErrSkipWrite), errors.IsFrozenError(err):
		discarded = true
	case err != nil:
		return errors.Wrapf(err, "failed to apply attempt %d of job %s", c.attempt, jobID)
	}

	rec := AttemptRecord{
		JobID:      jobID,
		Attempt:    c.attempt,
		InputCount: len(c.input),
		Succeeded:  len(tally.Succeeded),
		Failed:     len(tally.Failed),
		Skipped:    len(tally.Skipped),
		Discarded:  discarded,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if execErr != nil {
		rec.WholesaleError = execErr.Error()
	}
	if err := s.queue.Store().RecordAttempt(rec); err != nil {
		return err
	}

	s.metrics.RecordAttempt(attemptResult(tally, wholesale), elapsed.Seconds(), tally)

	if discarded {
		s.metrics.DiscardedResultsTotal.Inc()
		status := JobStatus("")
		if final != nil {
			status = final.Status
		}
		s.log.Pulse("Attempt result discarded, job changed while it ran",
			logger.FieldJobID, jobID,
			logger.FieldStatus, status)
		return nil
	}

	fields := []interface{}{
		logger.FieldJobID, jobID,
		logger.FieldStatus, final.Status,
		logger.FieldSucceeded, len(tally.Succeeded),
		logger.FieldFailed, len(tally.Failed),
		logger.FieldSkipped, len(tally.Skipped),
		logger.FieldRetryCount, final.RetryCount,
		logger.FieldDurationMS, elapsed.Milliseconds(),
	}
	if final.Status == JobStatusWaitingRetry {
		s.metrics.RetriesScheduledTotal.Inc()
		fields = append(fields, logger.FieldNextRetryAt, final.NextRetryAt)
	}
	s.log.Pulse("Attempt finished", fields...)
	return nil
}

// claim moves a ready job into its running status. ok is false when the job
// was not ready by the time of the write.
func (s *Scheduler) claim(ctx context.Context, jobID string) (claim, bool, error) {
	var c claim
	job, err := s.queue.transition(ctx, jobID, func(j *Job) error {
		now := s.queue.Now()
		switch {
		case j.Status == JobStatusPending:
			j.Status = JobStatusInProgress
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
		case j.IsDue(now):
			j.Status = JobStatusRetrying
			j.NextRetryAt = nil
		default:
			return ErrSkipWrite
		}
		c.status = j.Status
		c.input = j.AttemptInput()
		c.attempt = j.RetryCount + 1
		return nil
	})
	if errors.Is(err, ErrSkipWrite) || errors.IsFrozenError(err) {
		s.log.Debugw("Lost claim, job no longer ready",
			logger.FieldJobID, jobID)
		return c, false, nil
	}
	if err != nil {
		return c, false, errors.Wrapf(err, "failed to claim job %s", jobID)
	}
	c.version = job.Version
	return c, true, nil
}

// apply folds an attempt's tally into j and decides the next status.
// attempt is 1-based; a job with failures gets another attempt only while
// attempt < cfg.MaxRetries.
func (s *Scheduler) apply(j *Job, t attemptTally, execErr error, cfg SchedulerConfig, attempt int) {
	now := s.queue.Now()

	j.SuccessCount += len(t.Succeeded)
	j.SkippedCount += len(t.Skipped)
	j.ProcessedCount = j.SuccessCount + j.SkippedCount
	j.FailedItems = append([]string{}, t.Failed...)
	j.ErrorCount = len(j.FailedItems)

	summary := t.summary(errorSummaryLimit)
	if execErr != nil {
		summary = fmt.Sprintf("attempt %d failed: %v", attempt, execErr)
	}

	switch {
	case j.ErrorCount == 0:
		j.ErrorMessage = ""
		j.finish(JobStatusCompleted, now)

	case attempt < cfg.MaxRetries:
		j.Status = JobStatusWaitingRetry
		j.RetryCount++
		next := now.Add(cfg.Policy.Delay(j.RetryCount, execErr != nil))
		j.NextRetryAt = &next
		j.ErrorMessage = summary

	default:
		status := JobStatusFailed
		if j.SuccessCount+j.SkippedCount > 0 {
			status = JobStatusCompletedWithErrors
		}
		j.ErrorMessage = fmt.Sprintf("gave up after %d attempts: %s", attempt, summary)
		j.finish(status, now)
	}
}

func attemptResult(t attemptTally, wholesale bool) string {
	switch {
	case wholesale:
		return "wholesale"
	case len(t.Failed) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// RunDue runs every waiting_retry job whose NextRetryAt has passed, at most
// concurrency at a time. It returns how many jobs were handed to RunAttempt
// and the first store error encountered.
func (s *Scheduler) RunDue(ctx context.Context, limit, concurrency int) (int, error) {
	jobs, err := s.queue.Store().ListDueRetries(s.queue.Now(), clampLimit(limit))
	if err != nil {
		return 0, err
	}
	return s.runAll(ctx, jobs, concurrency)
}

// RunPending runs jobs awaiting their first attempt, oldest first
func (s *Scheduler) RunPending(ctx context.Context, limit, concurrency int) (int, error) {
	jobs, err := s.queue.Store().ListPendingJobs(clampLimit(limit))
	if err != nil {
		return 0, err
	}
	return s.runAll(ctx, jobs, concurrency)
}

func (s *Scheduler) runAll(ctx context.Context, jobs []*Job, concurrency int) (int, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		ran      int
	)
	sem := make(chan struct{}, concurrency)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		ran++
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.RunAttempt(ctx, id); err != nil {
				s.log.Errorw("Attempt failed to run",
					logger.FieldJobID, id,
					logger.FieldError, err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(job.ID)
	}

	wg.Wait()
	return ran, firstErr
}

// RecoverStaleAttempts returns attempts that have been running since before
// now-olderThan to where they came from: in_progress to pending, retrying to
// waiting_retry due immediately. Their executor may have died with the
// process, so the work runs again.
func (s *Scheduler) RecoverStaleAttempts(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.queue.Now().Add(-olderThan)
	stale, err := s.queue.Store().ListStaleAttempts(cutoff, MaxJobsLimit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range stale {
		_, err := s.queue.transition(ctx, job.ID, func(j *Job) error {
			if !j.Status.IsRunning() || !j.UpdatedAt.Before(cutoff) {
				return ErrSkipWrite
			}
			if j.Status == JobStatusInProgress {
				j.Status = JobStatusPending
			} else {
				now := s.queue.Now()
				j.Status = JobStatusWaitingRetry
				j.NextRetryAt = &now
			}
			return nil
		})
		if errors.Is(err, ErrSkipWrite) || errors.IsFrozenError(err) {
			continue
		}
		if err != nil {
			return recovered, errors.Wrapf(err, "failed to recover job %s", job.ID)
		}

		recovered++
		s.log.Starting("Recovered stale attempt",
			logger.FieldJobID, job.ID,
			logger.FieldFromStatus, job.Status)
	}

	return recovered, nil
}
