// Package watch keeps a client-side view of segment jobs and turns terminal
// transitions into one-time toasts.
//
// The Poller remembers the last status it saw for every job and which jobs it
// has already announced. That memory is its own and never written back to the
// store, so any number of pollers (one per open dashboard, one per CLI watch)
// each announce a job exactly once.
package watch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// JobSource is the part of async.Queue the poller reads from
type JobSource interface {
	ListActiveJobs(since time.Time, limit int) ([]*async.Job, error)
	GetJob(id string) (*async.Job, error)
	CancelJob(ctx context.Context, id string) error
	Subscribe() chan *async.Job
	Unsubscribe(ch chan *async.Job)
}

// Config controls how often and how far back the poller looks
type Config struct {
	PollInterval time.Duration // Time between observation passes
	ActiveWindow time.Duration // Only jobs created within this window are listed
	Limit        int           // Most active jobs read per pass
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		ActiveWindow: time.Hour,
		Limit:        200,
	}
}

// Poller observes jobs and presents a toast the first time it sees each job
// completed, failed or completed with errors.
type Poller struct {
	source    JobSource
	presenter Presenter
	cfg       Config
	now       func() time.Time
	log       *zap.SugaredLogger

	mu        sync.Mutex
	lastSeen  map[string]async.JobStatus
	announced map[string]struct{}
	jobs      map[string]*async.Job // latest copy of every tracked job
}

// NewPoller creates a poller over source; a nil presenter discards toasts
func NewPoller(source JobSource, presenter Presenter, cfg Config, log *zap.SugaredLogger) *Poller {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = defaults.ActiveWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaults.Limit
	}
	if presenter == nil {
		presenter = PresenterFunc(func(Toast) {})
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Poller{
		source:    source,
		presenter: presenter,
		cfg:       cfg,
		now:       time.Now,
		log:       log.Named("watch"),
		lastSeen:  make(map[string]async.JobStatus),
		announced: make(map[string]struct{}),
		jobs:      make(map[string]*async.Job),
	}
}

// WithClock replaces the poller's time source (tests)
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Poll runs one observation pass: every active job in the window, plus every
// tracked job that has not yet been seen terminal, since such jobs drop out of
// the active list the moment they finish. It returns the toasts presented.
func (p *Poller) Poll(ctx context.Context) ([]Toast, error) {
	now := p.now()
	active, err := p.source.ListActiveJobs(now.Add(-p.cfg.ActiveWindow), p.cfg.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}

	var toasts []Toast
	listed := make(map[string]struct{}, len(active))
	for _, job := range active {
		listed[job.ID] = struct{}{}
		if t, ok := p.Observe(job); ok {
			toasts = append(toasts, t)
		}
	}

	for _, id := range p.unsettled(listed) {
		if err := ctx.Err(); err != nil {
			return toasts, err
		}
		job, err := p.source.GetJob(id)
		if errors.IsNotFoundError(err) {
			p.forget(id)
			continue
		}
		if err != nil {
			return toasts, errors.Wrapf(err, "failed to refresh job %s", id)
		}
		if t, ok := p.Observe(job); ok {
			toasts = append(toasts, t)
		}
	}

	p.prune(now)
	return toasts, nil
}

// Observe records job's current status and presents a toast if this is the
// first time the poller sees the job in a toast-worthy terminal status.
// Safe to call from push subscriptions and polling at the same time.
func (p *Poller) Observe(job *async.Job) (Toast, bool) {
	p.mu.Lock()
	if known, ok := p.jobs[job.ID]; ok && known.Version > job.Version {
		// A pushed update overtook this read
		p.mu.Unlock()
		return Toast{}, false
	}
	prev, seen := p.lastSeen[job.ID]
	p.lastSeen[job.ID] = job.Status
	p.jobs[job.ID] = job.Clone()

	if !job.Status.IsTerminal() {
		p.mu.Unlock()
		return Toast{}, false
	}
	if _, done := p.announced[job.ID]; done {
		p.mu.Unlock()
		return Toast{}, false
	}
	p.announced[job.ID] = struct{}{}
	p.mu.Unlock()

	if seen && prev != job.Status {
		p.log.Debugw("Job reached terminal status",
			logger.FieldJobID, job.ID,
			logger.FieldFromStatus, prev,
			logger.FieldStatus, job.Status)
	}

	t, ok := toastFor(job, p.now())
	if !ok {
		return Toast{}, false
	}
	p.presenter.Present(t)
	return t, true
}

// unsettled lists tracked jobs not yet seen terminal and absent from listed
func (p *Poller) unsettled(listed map[string]struct{}) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id, status := range p.lastSeen {
		if _, ok := listed[id]; ok || status.IsTerminal() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Poller) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastSeen, id)
	delete(p.announced, id)
	delete(p.jobs, id)
}

// prune drops announced terminal jobs created before the active window.
// They can no longer appear in the active list, so forgetting them cannot
// cause a second announcement.
func (p *Poller) prune(now time.Time) {
	cutoff := now.Add(-p.cfg.ActiveWindow)

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, job := range p.jobs {
		if _, done := p.announced[id]; done && job.CreatedAt.Before(cutoff) {
			delete(p.lastSeen, id)
			delete(p.announced, id)
			delete(p.jobs, id)
		}
	}
}

// Snapshot returns the latest copy of every tracked job, newest first
func (p *Poller) Snapshot() []*async.Job {
	p.mu.Lock()
	out := make([]*async.Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		out = append(out, job.Clone())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel cancels the job through the source and observes the result
func (p *Poller) Cancel(ctx context.Context, jobID string) error {
	if err := p.source.CancelJob(ctx, jobID); err != nil {
		return err
	}
	job, err := p.source.GetJob(jobID)
	if err != nil {
		return err
	}
	p.Observe(job)
	return nil
}

// Run polls on the configured interval and observes pushed updates in
// between, until ctx ends. Poll errors are logged and do not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	updates := p.source.Subscribe()
	defer p.source.Unsubscribe(updates)

	if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		p.log.Warnw("Poll failed", logger.FieldError, err)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-updates:
			p.Observe(job)
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.log.Warnw("Poll failed", logger.FieldError, err)
			}
		}
	}
}
