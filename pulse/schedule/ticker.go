// Package schedule guarantees that jobs waiting to retry get their attempt
// once NextRetryAt has passed, by sweeping the store on a fixed interval.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// SweepResult describes one pass over the due retries
type SweepResult struct {
	Ran        int           `json:"ran"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	SweptAt    time.Time     `json:"swept_at"`
	NextRetry  *time.Time    `json:"next_retry,omitempty"`
	ActiveJobs int           `json:"active_jobs"`
}

// SweepBroadcaster is told about every sweep that ran at least one job or failed.
// It lets the server push sweeps to clients without schedule importing server.
type SweepBroadcaster interface {
	BroadcastRetrySweep(result SweepResult)
}

// RetrySweeper periodically runs every waiting_retry job whose NextRetryAt
// has passed. Sweeps never overlap; Sweep may also be called directly, for
// example from a cron endpoint.
type RetrySweeper struct {
	scheduler   *async.Scheduler
	broadcaster SweepBroadcaster
	cfg         SweeperConfig
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pulseLog    *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	sweepMu sync.Mutex // held for the duration of a sweep

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int // Last active job count, to log only on change
	lastResult      SweepResult
}

// SweeperConfig contains configuration for the retry sweeper
type SweeperConfig struct {
	Interval    time.Duration // How often to look for due retries
	BatchSize   int           // Most jobs picked up per sweep
	Concurrency int           // Most attempts running at once within a sweep
}

// DefaultSweeperConfig returns sensible defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    time.Minute,
		BatchSize:   100,
		Concurrency: 2,
	}
}

// NewRetrySweeper creates a sweeper with a parent context
func NewRetrySweeper(ctx context.Context, scheduler *async.Scheduler, broadcaster SweepBroadcaster, cfg SweeperConfig, log *zap.SugaredLogger) *RetrySweeper {
	defaults := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	return &RetrySweeper{
		scheduler:   scheduler,
		broadcaster: broadcaster,
		cfg:         cfg,
		ctx:         sweepCtx,
		cancel:      cancel,
		pulseLog:    logger.AddPulseSymbol(log.Named("sweeper")),
	}
}

// SetBroadcaster replaces the broadcaster told about sweeps. Call it before Start
// when the broadcaster is built after the sweeper.
func (s *RetrySweeper) SetBroadcaster(b SweepBroadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// Start begins the sweep loop
func (s *RetrySweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.pulseLog.Infow("Retry sweeper started", "interval", s.cfg.Interval)
}

// Stop gracefully stops the sweeper, waiting for a sweep in progress
func (s *RetrySweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pulseLog.Infow("Retry sweeper stopped")
}

// run is the main sweep loop
func (s *RetrySweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tickTime := <-ticker.C:
			s.mu.Lock()
			s.lastTickAt = tickTime
			s.ticksSinceStart++
			ticks := s.ticksSinceStart
			s.mu.Unlock()

			if _, err := s.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
				// Don't spam logs - log errors at warn level
				s.pulseLog.Warnw("Retry sweep error", logger.FieldError, err, "tick", ticks)
			}
		}
	}
}

// Sweep runs all currently due retries once and returns the outcome
func (s *RetrySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	ran, err := s.scheduler.RunDue(ctx, s.cfg.BatchSize, s.cfg.Concurrency)

	result := SweepResult{
		Ran:      ran,
		Duration: time.Since(start),
		SweptAt:  s.scheduler.Queue().Now(),
	}
	if err != nil {
		err = errors.Wrap(err, "failed to run due retries")
		result.Error = err.Error()
	}
	s.describeQueue(&result)

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	if ran > 0 {
		s.pulseLog.Infow("Retry sweep finished",
			logger.FieldCount, ran,
			logger.FieldDurationMS, result.Duration.Milliseconds())
	}
	s.mu.Lock()
	broadcaster := s.broadcaster
	s.mu.Unlock()
	if broadcaster != nil && (ran > 0 || err != nil) {
		broadcaster.BroadcastRetrySweep(result)
	}
	return result, err
}

// describeQueue fills in queue activity and logs it when it changed
func (s *RetrySweeper) describeQueue(result *SweepResult) {
	queue := s.scheduler.Queue()

	next, err := queue.Store().NextRetryAt()
	if err != nil {
		s.pulseLog.Warnw("Failed to get next retry time", logger.FieldError, err)
	}
	result.NextRetry = next

	stats, err := queue.GetStats()
	if err != nil {
		s.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		// Continue without stats
		stats = &async.QueueStats{}
	}
	result.ActiveJobs = stats.Active()

	s.mu.Lock()
	hasChanged := result.ActiveJobs != s.lastActiveWork
	s.lastActiveWork = result.ActiveJobs
	s.mu.Unlock()

	if hasChanged {
		s.pulseLog.Infow(activityMessage(result.ActiveJobs, next, result.SweptAt))
	}
}

// activityMessage renders one pulse symbol per five active jobs, capped at 60
func activityMessage(active int, next *time.Time, now time.Time) string {
	indicator := ""
	if active > 0 {
		n := min(active/5+1, 60)
		indicator = strings.TrimSpace(strings.Repeat(logger.SymPulse+" ", n)) + " "
	}

	if next == nil {
		if active > 0 {
			return fmt.Sprintf("%sPulse - no retries scheduled, %d jobs active", indicator, active)
		}
		return "Pulse - no retries scheduled"
	}

	msg := fmt.Sprintf("%sPulse - next retry in %s", indicator, max(next.Sub(now), 0).Round(time.Second))
	if active > 0 {
		msg += fmt.Sprintf(", %d jobs active", active)
	}
	return msg
}

// GetStats returns sweeper statistics
func (s *RetrySweeper) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.cfg.Interval,
		"last_result":       s.lastResult,
	}
}
