// Package notify provides CompletionSink implementations for terminal segment
// jobs: a log line, a webhook, fan-out and an in-memory recorder.
package notify

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// LogSink writes one structured log line per completion
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink creates a LogSink; nil uses the global logger
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	if log == nil {
		log = logger.ComponentLogger("notify")
	}
	return &LogSink{log: logger.AddPulseSymbol(log)}
}

// Notify implements async.CompletionSink
func (s *LogSink) Notify(ctx context.Context, jobID string, c async.Completion) error {
	fields := []interface{}{
		logger.FieldJobID, jobID,
		logger.FieldStatus, c.Status,
		logger.FieldSucceeded, c.SuccessCount,
		logger.FieldSkipped, c.SkippedCount,
		logger.FieldFailed, len(c.FailedItems),
		logger.FieldTotalCount, c.TotalCount,
	}
	if c.ErrorMessage != "" {
		fields = append(fields, logger.FieldError, c.ErrorMessage)
	}

	if c.Status.IsFailure() {
		s.log.Warnw("Segment job finished", fields...)
	} else {
		s.log.Infow("Segment job finished", fields...)
	}
	return nil
}

// Multi delivers to every sink. All sinks are attempted; their errors are
// combined.
type Multi []async.CompletionSink

// Notify implements async.CompletionSink
func (m Multi) Notify(ctx context.Context, jobID string, c async.Completion) error {
	var failures []string
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := deliver(ctx, sink, jobID, c); err != nil {
			if first == nil {
				first = err
			}
			failures = append(failures, err.Error())
		}
	}
	if first == nil {
		return nil
	}
	if len(failures) == 1 {
		return first
	}
	return errors.Wrapf(first, "%d of %d sinks failed: %s", len(failures), len(m), strings.Join(failures, "; "))
}

// deliver isolates one sink's panic from the others
func deliver(ctx context.Context, sink async.CompletionSink, jobID string, c async.Completion) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("sink panic: %v", r)
		}
	}()
	return sink.Notify(ctx, jobID, c)
}

// Delivery is one recorded notification
type Delivery struct {
	JobID      string
	Completion async.Completion
}

// Recorder keeps every completion in memory. Used by tests and the CLI's
// dry-run mode.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements async.CompletionSink
func (r *Recorder) Notify(ctx context.Context, jobID string, c async.Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{JobID: jobID, Completion: c})
	return nil
}

// Deliveries returns a copy of everything recorded so far
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// CountFor returns how many completions were recorded for jobID
func (r *Recorder) CountFor(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.deliveries {
		if d.JobID == jobID {
			n++
		}
	}
	return n
}
