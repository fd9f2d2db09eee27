// Package async provides the segment job lifecycle: persistence, bounded
// retry scheduling against a remote batch executor, and fire-once completion
// notification.
package async

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/segpulse/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusInProgress          JobStatus = "in_progress"
	JobStatusRetrying            JobStatus = "retrying"
	JobStatusWaitingRetry        JobStatus = "waiting_retry"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []JobStatus{
	JobStatusPending,
	JobStatusInProgress,
	JobStatusRetrying,
	JobStatusWaitingRetry,
	JobStatusCompleted,
	JobStatusCompletedWithErrors,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	return slices.Contains(AllStatuses, JobStatus(s))
}

// IsTerminal reports whether the status is frozen
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsRunning reports whether an attempt is in flight
func (s JobStatus) IsRunning() bool {
	return s == JobStatusInProgress || s == JobStatusRetrying
}

// IsFailure reports whether the status warrants a persistent failure notice
func (s JobStatus) IsFailure() bool {
	return s == JobStatusFailed || s == JobStatusCompletedWithErrors
}

// terminalStatusList is the SQL IN-list of terminal statuses
const terminalStatusList = `('completed', 'completed_with_errors', 'failed', 'cancelled')`

// Job is one batch of segment definitions to create.
//
// Counts satisfy ProcessedCount == SuccessCount + SkippedCount and
// SuccessCount + ErrorCount + SkippedCount <= len(WorkItems). ErrorCount is
// len(FailedItems), the failures of the most recent attempt.
type Job struct {
	ID             string     `json:"id"`
	WorkItems      []string   `json:"work_items"`
	Status         JobStatus  `json:"status"`
	ProcessedCount int        `json:"processed_count"`
	SuccessCount   int        `json:"success_count"`
	ErrorCount     int        `json:"error_count"`
	SkippedCount   int        `json:"skipped_count"`
	FailedItems    []string   `json:"failed_items"`
	RetryCount     int        `json:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Source         string     `json:"source,omitempty"`
	Label          string     `json:"label,omitempty"`
	Notified       bool       `json:"notified"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending job. Work items are trimmed and de-duplicated in
// first-seen order; an empty result is rejected.
func NewJob(workItems []string, source, label string, now time.Time) (*Job, error) {
	items := normalizeWorkItems(workItems)
	if len(items) == 0 {
		return nil, errors.NewInvalidRequestError("job requires at least one work item")
	}
	if source == "" {
		source = "system"
	}

	now = now.UTC()
	return &Job{
		ID:          uuid.NewString(),
		WorkItems:   items,
		Status:      JobStatusPending,
		FailedItems: []string{},
		Source:      source,
		Label:       label,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func normalizeWorkItems(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// TotalCount is the number of work items
func (j *Job) TotalCount() int {
	return len(j.WorkItems)
}

// PendingCount is the number of items with no recorded outcome
func (j *Job) PendingCount() int {
	return max(0, j.TotalCount()-j.SuccessCount-j.ErrorCount-j.SkippedCount)
}

// AttemptInput returns the items the next attempt runs on: every work item
// for a pending job, the failed subset for a job waiting to retry.
func (j *Job) AttemptInput() []string {
	if j.Status == JobStatusWaitingRetry || j.Status == JobStatusRetrying {
		return slices.Clone(j.FailedItems)
	}
	return slices.Clone(j.WorkItems)
}

// IsDue reports whether a waiting job may be retried at now
func (j *Job) IsDue(now time.Time) bool {
	return j.Status == JobStatusWaitingRetry && (j.NextRetryAt == nil || !now.Before(*j.NextRetryAt))
}

// CheckCounts verifies the count invariants
func (j *Job) CheckCounts() error {
	total := j.TotalCount()
	if j.ProcessedCount != j.SuccessCount+j.SkippedCount {
		return errors.AssertionFailedf("job %s: processed %d != success %d + skipped %d",
			j.ID, j.ProcessedCount, j.SuccessCount, j.SkippedCount)
	}
	if j.SuccessCount+j.ErrorCount+j.SkippedCount > total {
		return errors.AssertionFailedf("job %s: success %d + error %d + skipped %d exceeds %d items",
			j.ID, j.SuccessCount, j.ErrorCount, j.SkippedCount, total)
	}
	if j.ErrorCount != len(j.FailedItems) {
		return errors.AssertionFailedf("job %s: error count %d != %d failed items", j.ID, j.ErrorCount, len(j.FailedItems))
	}
	if j.Status.IsTerminal() && j.Status != JobStatusCancelled && j.PendingCount() != 0 {
		return errors.AssertionFailedf("job %s: %d items unaccounted at %s", j.ID, j.PendingCount(), j.Status)
	}
	return nil
}

// Clone returns a deep copy safe to hand to subscribers
func (j *Job) Clone() *Job {
	c := *j
	c.WorkItems = slices.Clone(j.WorkItems)
	c.FailedItems = slices.Clone(j.FailedItems)
	if j.NextRetryAt != nil {
		t := *j.NextRetryAt
		c.NextRetryAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// finish moves the job into a terminal status. Notified is set in the same
// write so only the writer that wins the transition delivers the notification.
func (j *Job) finish(status JobStatus, now time.Time) {
	j.Status = status
	j.NextRetryAt = nil
	j.Notified = true
	j.CompletedAt = &now
}
