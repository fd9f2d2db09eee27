package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/db"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int           `json:"workers"`             // Number of concurrent workers
	PollInterval      time.Duration `json:"poll_interval"`       // How often to check for pending jobs
	StaleAttemptAfter time.Duration `json:"stale_attempt_after"` // Running attempts older than this are recovered on start
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           2,
		PollInterval:      time.Second,
		StaleAttemptAfter: 15 * time.Minute,
	}
}

// WorkerPool runs first attempts of pending jobs. Workers poll the store on a
// ticker and are woken early when the queue publishes a new pending job.
// Retries of waiting jobs are not its concern; see schedule.RetrySweeper.
type WorkerPool struct {
	scheduler  *Scheduler
	poolConfig WorkerPoolConfig
	parentCtx  context.Context // Parent context from which worker context is derived
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	wake       chan struct{}
	logger     pulseLogger

	mu            sync.Mutex
	jobsProcessed int // Attempts run since Start
	activeWorkers int // Workers currently inside an attempt
}

// NewWorkerPool creates a worker pool driving scheduler. Cancelling ctx stops
// the workers just like Stop.
func NewWorkerPool(ctx context.Context, scheduler *Scheduler, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if poolCfg.Workers < 1 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}

	// Child context so workers can be cancelled independently of the parent
	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		scheduler:  scheduler,
		poolConfig: poolCfg,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		wake:       make(chan struct{}, poolCfg.Workers),
		logger:     newPulseLogger(log, "pulse"),
	}
}

// Start recovers attempts orphaned by a previous crash, then starts the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// A pool restarted after Stop needs a fresh context
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if err := wp.recoverOrphanedJobs(ctx); err != nil {
		// Continue starting workers even if recovery fails
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	}

	updates := wp.scheduler.Queue().Subscribe()
	wp.wg.Add(1)
	go wp.watchSubmissions(ctx, updates)

	for i := 0; i < wp.poolConfig.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	wp.logger.Starting("Worker pool started",
		"workers", wp.poolConfig.Workers,
		"poll_interval", wp.poolConfig.PollInterval)
}

// recoverOrphanedJobs returns attempts left running by an ungraceful shutdown
// (crash, kill -9, power loss) to a runnable status.
func (wp *WorkerPool) recoverOrphanedJobs(ctx context.Context) error {
	if wp.poolConfig.StaleAttemptAfter <= 0 {
		return nil
	}

	recovered, err := wp.scheduler.RecoverStaleAttempts(ctx, wp.poolConfig.StaleAttemptAfter)
	if err != nil {
		return errors.Wrap(err, "failed to recover stale attempts")
	}
	if recovered > 0 {
		wp.logger.Starting("Opening - recovered orphaned attempts from previous run",
			logger.FieldCount, recovered)
	}
	return nil
}

// watchSubmissions wakes a worker whenever the queue publishes a pending job
func (wp *WorkerPool) watchSubmissions(ctx context.Context, updates chan *Job) {
	defer wp.wg.Done()
	defer wp.scheduler.Queue().Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-updates:
			if job.Status != JobStatusPending {
				continue
			}
			select {
			case wp.wake <- struct{}{}:
			default:
				// Every worker already has a wake-up queued
			}
		}
	}
}

// Stop gracefully stops the worker pool.
// An attempt in flight is allowed to finish and commit its result; Stop waits
// up to 30 seconds for that before returning.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out, attempts may still be running", "timeout", timeout)
	}
}

// worker processes pending jobs from the queue
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.wake:
		}

		err := wp.processNextJob(ctx)
		if err == nil {
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
			continue
		}

		// Errors caused by shutdown are not worth reporting
		if ctx.Err() != nil || db.IsDatabaseClosed(err) {
			return
		}

		errorCount++
		wp.logger.Errorw("Worker error processing job",
			logger.FieldWorkerID, id,
			logger.FieldError, err,
			"consecutive_errors", errorCount)

		if errorCount >= maxConsecutiveErrors {
			wp.logger.Warnw("Worker backing off due to consecutive errors",
				logger.FieldWorkerID, id,
				"backoff", backoffDuration,
				"consecutive_errors", errorCount)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDuration):
			}
			backoffDuration = min(backoffDuration*2, maxBackoff)
		}
	}
}

// processNextJob runs the first attempt of the oldest pending job this worker
// can claim. Other workers may claim the same candidates; losing a claim just
// moves on to the next one.
func (wp *WorkerPool) processNextJob(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	candidates, err := wp.scheduler.Queue().Store().ListPendingJobs(wp.poolConfig.Workers)
	if err != nil {
		return errors.Wrap(err, "failed to list pending jobs")
	}

	for _, job := range candidates {
		wp.mu.Lock()
		wp.activeWorkers++
		wp.mu.Unlock()

		// Shutdown must not turn an in-flight attempt into a failure
		ran, err := wp.scheduler.tryAttempt(context.WithoutCancel(ctx), job.ID)

		wp.mu.Lock()
		wp.activeWorkers--
		if ran {
			wp.jobsProcessed++
		}
		wp.mu.Unlock()

		if err != nil {
			return errors.Wrapf(err, "failed to run job %s", job.ID)
		}
		if ran {
			return nil
		}
	}
	return nil
}

// Stats reports attempts run since Start and workers currently busy
func (wp *WorkerPool) Stats() (processed, active int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed, wp.activeWorkers
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.poolConfig.Workers
}
