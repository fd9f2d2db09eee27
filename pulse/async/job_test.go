package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/errors"
)

func TestNewJobNormalizesWorkItems(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.FixedZone("CEST", 2*60*60))

	job, err := NewJob([]string{" vip ", "lapsed", "", "vip", "lapsed"}, "", "Oct batch", now)
	require.NoError(t, err)

	assert.Equal(t, []string{"vip", "lapsed"}, job.WorkItems)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "system", job.Source)
	assert.Equal(t, "Oct batch", job.Label)
	assert.Equal(t, int64(1), job.Version)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, time.UTC, job.CreatedAt.Location())
	assert.Equal(t, 2, job.PendingCount())
}

func TestNewJobRejectsEmptyBatch(t *testing.T) {
	for _, items := range [][]string{nil, {}, {"", "  "}} {
		_, err := NewJob(items, "api", "", time.Now())
		assert.True(t, errors.IsInvalidRequestError(err))
	}
}

func TestJobStatusPredicates(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
		running  bool
		failure  bool
	}{
		{JobStatusPending, false, false, false},
		{JobStatusInProgress, false, true, false},
		{JobStatusRetrying, false, true, false},
		{JobStatusWaitingRetry, false, false, false},
		{JobStatusCompleted, true, false, false},
		{JobStatusCompletedWithErrors, true, false, true},
		{JobStatusFailed, true, false, true},
		{JobStatusCancelled, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.running, tt.status.IsRunning())
			assert.Equal(t, tt.failure, tt.status.IsFailure())
			assert.True(t, IsValidStatus(string(tt.status)))
		})
	}
	assert.False(t, IsValidStatus("queued"))
}

func TestAttemptInputFollowsStatus(t *testing.T) {
	job := &Job{
		WorkItems:   []string{"A", "B", "C"},
		FailedItems: []string{"B"},
		Status:      JobStatusPending,
	}
	assert.Equal(t, []string{"A", "B", "C"}, job.AttemptInput())

	job.Status = JobStatusWaitingRetry
	assert.Equal(t, []string{"B"}, job.AttemptInput())

	input := job.AttemptInput()
	input[0] = "mutated"
	assert.Equal(t, []string{"B"}, job.FailedItems, "input is a copy")
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	job := &Job{Status: JobStatusWaitingRetry, NextRetryAt: &next}

	assert.False(t, job.IsDue(now))
	assert.True(t, job.IsDue(next))
	assert.True(t, job.IsDue(next.Add(time.Second)))

	job.Status = JobStatusCancelled
	assert.False(t, job.IsDue(next.Add(time.Hour)), "only waiting jobs are ever due")
}

func TestCheckCounts(t *testing.T) {
	valid := func() *Job {
		return &Job{
			ID:             "job",
			WorkItems:      []string{"A", "B", "C"},
			Status:         JobStatusWaitingRetry,
			SuccessCount:   1,
			SkippedCount:   1,
			ProcessedCount: 2,
			ErrorCount:     1,
			FailedItems:    []string{"C"},
		}
	}
	require.NoError(t, valid().CheckCounts())

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"processed mismatch", func(j *Job) { j.ProcessedCount = 1 }},
		{"over total", func(j *Job) { j.SuccessCount, j.ProcessedCount = 2, 3 }},
		{"error count drift", func(j *Job) { j.ErrorCount = 0 }},
		{"terminal with pending items", func(j *Job) {
			j.Status = JobStatusFailed
			j.ErrorCount, j.FailedItems = 0, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid()
			tt.mutate(job)
			assert.Error(t, job.CheckCounts())
		})
	}

	cancelled := valid()
	cancelled.Status = JobStatusCancelled
	cancelled.ErrorCount, cancelled.FailedItems = 0, []string{}
	assert.NoError(t, cancelled.CheckCounts(), "cancelled jobs may stop with items unaccounted")
}

func TestCloneIsDeep(t *testing.T) {
	next := time.Now()
	job := &Job{WorkItems: []string{"A"}, FailedItems: []string{"A"}, NextRetryAt: &next}

	c := job.Clone()
	c.WorkItems[0] = "X"
	c.FailedItems[0] = "X"
	*c.NextRetryAt = next.Add(time.Hour)

	assert.Equal(t, "A", job.WorkItems[0])
	assert.Equal(t, "A", job.FailedItems[0])
	assert.True(t, job.NextRetryAt.Equal(next))
}

func TestFinishMarksNotified(t *testing.T) {
	now := time.Now()
	next := now.Add(time.Minute)
	job := &Job{Status: JobStatusRetrying, NextRetryAt: &next}

	job.finish(JobStatusCompletedWithErrors, now)

	assert.Equal(t, JobStatusCompletedWithErrors, job.Status)
	assert.True(t, job.Notified)
	assert.Nil(t, job.NextRetryAt)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.Equal(now))
}
