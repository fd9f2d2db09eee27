package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/errors"
)

func terminalJob(status JobStatus) *Job {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	job := &Job{
		ID:             "job-1",
		Label:          "Oct batch",
		WorkItems:      []string{"A", "B", "C"},
		SuccessCount:   2,
		ProcessedCount: 2,
		ErrorCount:     1,
		FailedItems:    []string{"B"},
		ErrorMessage:   "gave up after 3 attempts",
	}
	job.finish(status, now)
	return job
}

func TestCompletionFor(t *testing.T) {
	c := CompletionFor(terminalJob(JobStatusCompletedWithErrors))

	assert.Equal(t, JobStatusCompletedWithErrors, c.Status)
	assert.Equal(t, "Oct batch", c.Label)
	assert.Equal(t, 2, c.SuccessCount)
	assert.Equal(t, 3, c.TotalCount)
	assert.Equal(t, []string{"B"}, c.FailedItems)
	assert.Equal(t, "gave up after 3 attempts", c.ErrorMessage)
	assert.False(t, c.CompletedAt.IsZero())

	empty := CompletionFor(&Job{Status: JobStatusCompleted})
	assert.NotNil(t, empty.FailedItems)
}

func TestNotifierDelivers(t *testing.T) {
	sink := &recordingSink{}
	n := NewCompletionNotifier(sink, nil)

	n.Fire(context.Background(), terminalJob(JobStatusFailed))

	require.Equal(t, 1, sink.Count())
	assert.Equal(t, []string{"job-1"}, sink.jobIDs)
	assert.Equal(t, JobStatusFailed, sink.Last().Status)
}

func TestNotifierRefusesUncommittedTransitions(t *testing.T) {
	sink := &recordingSink{}
	n := NewCompletionNotifier(sink, nil)

	n.Fire(context.Background(), &Job{ID: "running", Status: JobStatusInProgress})

	notFlagged := terminalJob(JobStatusCompleted)
	notFlagged.Notified = false
	n.Fire(context.Background(), notFlagged)

	assert.Zero(t, sink.Count())
}

func TestNotifierSurvivesSinkFailures(t *testing.T) {
	failing := NewCompletionNotifier(CompletionSinkFunc(func(context.Context, string, Completion) error {
		return errors.New("webhook returned 500")
	}), nil)
	panicking := NewCompletionNotifier(CompletionSinkFunc(func(context.Context, string, Completion) error {
		panic("sink bug")
	}), nil)

	assert.NotPanics(t, func() {
		failing.Fire(context.Background(), terminalJob(JobStatusCompleted))
		panicking.Fire(context.Background(), terminalJob(JobStatusCompleted))
	})
}

func TestNotifierIgnoresCallerCancellation(t *testing.T) {
	var deliveredErr error
	n := NewCompletionNotifier(CompletionSinkFunc(func(ctx context.Context, _ string, _ Completion) error {
		deliveredErr = ctx.Err()
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Fire(ctx, terminalJob(JobStatusCancelled))

	assert.NoError(t, deliveredErr)
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *CompletionNotifier
	assert.NotPanics(t, func() { n.Fire(context.Background(), terminalJob(JobStatusCompleted)) })

	assert.NotPanics(t, func() {
		NewCompletionNotifier(nil, nil).Fire(context.Background(), terminalJob(JobStatusCompleted))
	})
}
