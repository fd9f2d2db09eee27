package async

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// notifyTimeout bounds a single sink delivery
const notifyTimeout = 15 * time.Second

// Completion is the payload delivered when a job reaches a terminal state
type Completion struct {
	Status       JobStatus `json:"status"`
	Label        string    `json:"label,omitempty"`
	SuccessCount int       `json:"success_count"`
	SkippedCount int       `json:"skipped_count"`
	TotalCount   int       `json:"total_count"`
	FailedItems  []string  `json:"failed_items"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// CompletionFor builds the payload for a terminal job
func CompletionFor(job *Job) Completion {
	c := Completion{
		Status:       job.Status,
		Label:        job.Label,
		SuccessCount: job.SuccessCount,
		SkippedCount: job.SkippedCount,
		TotalCount:   job.TotalCount(),
		FailedItems:  slices.Clone(job.FailedItems),
		ErrorMessage: job.ErrorMessage,
	}
	if c.FailedItems == nil {
		c.FailedItems = []string{}
	}
	if job.CompletedAt != nil {
		c.CompletedAt = *job.CompletedAt
	}
	return c
}

// CompletionSink receives terminal-state notifications.
// Delivery is fire-and-forget: errors are logged and never affect the job.
type CompletionSink interface {
	Notify(ctx context.Context, jobID string, c Completion) error
}

// CompletionSinkFunc adapts a function to CompletionSink
type CompletionSinkFunc func(ctx context.Context, jobID string, c Completion) error

// Notify calls f
func (f CompletionSinkFunc) Notify(ctx context.Context, jobID string, c Completion) error {
	return f(ctx, jobID, c)
}

// CompletionNotifier delivers a Completion for each terminal transition.
// Callers invoke Fire only after the write that set Notified has committed,
// so each job is delivered at most once across every process sharing the store.
type CompletionNotifier struct {
	sink    CompletionSink
	log     *zap.SugaredLogger
	metrics *Metrics
}

// NewCompletionNotifier creates a notifier; a nil sink disables delivery
func NewCompletionNotifier(sink CompletionSink, log *zap.SugaredLogger) *CompletionNotifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CompletionNotifier{
		sink:    sink,
		log:     logger.AddPulseSymbol(log.Named("notifier")),
		metrics: NewMetrics(),
	}
}

// Fire delivers the completion for job. Sink errors and panics are logged.
func (n *CompletionNotifier) Fire(ctx context.Context, job *Job) {
	if n == nil || n.sink == nil {
		return
	}
	if !job.Status.IsTerminal() || !job.Notified {
		n.log.Warnw("Refusing to notify for job without a committed terminal transition",
			logger.FieldJobID, job.ID,
			logger.FieldStatus, job.Status)
		return
	}

	// Delivery must not be cut short by the attempt's own context
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := n.deliver(deliverCtx, job.ID, CompletionFor(job)); err != nil {
		n.metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		n.log.Errorw("Completion notification failed",
			logger.FieldJobID, job.ID,
			logger.FieldStatus, job.Status,
			logger.FieldError, err)
		return
	}

	n.metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	n.log.Infow("Completion notification delivered",
		logger.FieldJobID, job.ID,
		logger.FieldStatus, job.Status,
		logger.FieldSucceeded, job.SuccessCount,
		logger.FieldTotalCount, job.TotalCount())
}

func (n *CompletionNotifier) deliver(ctx context.Context, jobID string, c Completion) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("completion sink panic: %v", r)
		}
	}()
	return n.sink.Notify(ctx, jobID, c)
}
