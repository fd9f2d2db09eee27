package watch

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// ToastKind distinguishes success notices from failure notices
type ToastKind string

const (
	ToastSuccess ToastKind = "success"
	ToastFailure ToastKind = "failure"
)

// Toast is a one-time, user-facing notice about a job reaching a terminal state.
// Failure toasts are persistent: they stay until the user dismisses them.
type Toast struct {
	JobID      string          `json:"job_id"`
	Kind       ToastKind       `json:"kind"`
	Status     async.JobStatus `json:"status"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Persistent bool            `json:"persistent"`
	At         time.Time       `json:"at"`
}

// toastFor builds the notice for job, or returns false when its status
// warrants none (non-terminal or cancelled).
func toastFor(job *async.Job, at time.Time) (Toast, bool) {
	t := Toast{JobID: job.ID, Status: job.Status, At: at}
	name := job.Label
	if name == "" {
		name = "Segment batch"
	}

	switch job.Status {
	case async.JobStatusCompleted:
		t.Kind = ToastSuccess
		t.Title = name + " created"
		t.Message = fmt.Sprintf("%d of %d segments created", job.SuccessCount, job.TotalCount())
		if job.SkippedCount > 0 {
			t.Message += fmt.Sprintf(", %d skipped", job.SkippedCount)
		}
	case async.JobStatusCompletedWithErrors, async.JobStatusFailed:
		t.Kind = ToastFailure
		t.Persistent = true
		if job.Status == async.JobStatusFailed {
			t.Title = name + " failed"
		} else {
			t.Title = name + " finished with errors"
		}
		t.Message = fmt.Sprintf("%d of %d segments failed", len(job.FailedItems), job.TotalCount())
		if job.ErrorMessage != "" {
			t.Message += ": " + job.ErrorMessage
		}
	default:
		return Toast{}, false
	}
	return t, true
}

// Presenter shows toasts to the user
type Presenter interface {
	Present(t Toast)
}

// PresenterFunc adapts a function to Presenter
type PresenterFunc func(t Toast)

// Present calls f
func (f PresenterFunc) Present(t Toast) {
	f(t)
}

// LogPresenter writes toasts to a logger: failures at warn, successes at info
type LogPresenter struct {
	log *zap.SugaredLogger
}

// NewLogPresenter creates a presenter logging through log
func NewLogPresenter(log *zap.SugaredLogger) *LogPresenter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogPresenter{log: logger.AddPulseSymbol(log.Named("toast"))}
}

// Present implements Presenter
func (p *LogPresenter) Present(t Toast) {
	fields := []interface{}{
		logger.FieldJobID, t.JobID,
		logger.FieldStatus, t.Status,
		"message", t.Message,
	}
	if t.Kind == ToastFailure {
		p.log.Warnw(t.Title, fields...)
		return
	}
	p.log.Infow(t.Title, fields...)
}

// MultiPresenter shows every toast on each presenter in order
type MultiPresenter []Presenter

// Present implements Presenter
func (m MultiPresenter) Present(t Toast) {
	for _, p := range m {
		if p != nil {
			p.Present(t)
		}
	}
}
