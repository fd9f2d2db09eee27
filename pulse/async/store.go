package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/segpulse/errors"
)

// maxMutateAttempts bounds the read/modify/compare-and-swap loop in Mutate
const maxMutateAttempts = 8

// ErrSkipWrite is returned by a Mutate callback to abandon the write.
// Mutate passes it through so the caller can tell a no-op from a failure.
var ErrSkipWrite = errors.New("mutation skipped")

// Store handles persistence of segment jobs.
// Every write is a compare-and-swap on the job's version.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new segment job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the store's time source (tests)
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(job *Job) error {
	workItems, err := marshalItems(job.WorkItems)
	if err != nil {
		return err
	}
	failedItems, err := marshalItems(job.FailedItems)
	if err != nil {
		return err
	}
	if job.Version == 0 {
		job.Version = 1
	}

	query := `
		INSERT INTO segment_jobs (
			id, label, source, status,
			work_items, failed_items,
			processed_count, success_count, error_count, skipped_count,
			retry_count, next_retry_at, error_message,
			notified, version,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		job.ID,
		job.Label,
		job.Source,
		job.Status,
		workItems,
		failedItems,
		job.ProcessedCount,
		job.SuccessCount,
		job.ErrorCount,
		job.SkippedCount,
		job.RetryCount,
		nullTime(job.NextRetryAt),
		job.ErrorMessage,
		boolInt(job.Notified),
		job.Version,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM segment_jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(s.db.QueryRow(query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &job, nil
}

// UpdateJob writes job if the stored version still equals job.Version and
// the stored status is not terminal. On success job.Version is incremented.
// Returns ErrConflict when the row changed underneath the caller and ErrFrozen
// when the stored job is terminal.
func (s *Store) UpdateJob(job *Job) error {
	failedItems, err := marshalItems(job.FailedItems)
	if err != nil {
		return err
	}

	query := `
		UPDATE segment_jobs
		SET label = ?,
		    status = ?,
		    failed_items = ?,
		    processed_count = ?,
		    success_count = ?,
		    error_count = ?,
		    skipped_count = ?,
		    retry_count = ?,
		    next_retry_at = ?,
		    error_message = ?,
		    notified = ?,
		    version = version + 1,
		    updated_at = ?,
		    started_at = ?,
		    completed_at = ?
		WHERE id = ?
		  AND version = ?
		  AND status NOT IN ` + terminalStatusList

	result, err := s.db.Exec(query,
		job.Label,
		job.Status,
		failedItems,
		job.ProcessedCount,
		job.SuccessCount,
		job.ErrorCount,
		job.SkippedCount,
		job.RetryCount,
		nullTime(job.NextRetryAt),
		job.ErrorMessage,
		boolInt(job.Notified),
		job.UpdatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.ID,
		job.Version,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 1 {
		job.Version++
		return nil
	}

	return s.explainMissedUpdate(job)
}

// explainMissedUpdate classifies a compare-and-swap that touched no rows
func (s *Store) explainMissedUpdate(job *Job) error {
	var status JobStatus
	var version int64
	err := s.db.QueryRow(`SELECT status, version FROM segment_jobs WHERE id = ?`, job.ID).Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %s", job.ID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read job after missed update")
	}

	if status.IsTerminal() {
		err := errors.Wrapf(errors.ErrFrozen, "job %s is %s", job.ID, status)
		return errors.WithDetail(err, fmt.Sprintf("Attempted status: %s", job.Status))
	}

	err = errors.Wrapf(errors.ErrConflict, "job %s changed concurrently", job.ID)
	return errors.WithDetail(err, fmt.Sprintf("Expected version %d, stored version %d", job.Version, version))
}

// Mutate applies fn to the freshest copy of the job and writes it back,
// re-reading and re-applying fn when another writer got there first.
// fn only sees non-terminal jobs; for a terminal job Mutate returns the job
// with ErrFrozen. If fn returns ErrSkipWrite nothing is written and Mutate
// returns the unmodified job with ErrSkipWrite.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "mutate job %s", id)
		}

		job, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, errors.Wrapf(errors.ErrFrozen, "job %s is %s", id, job.Status)
		}

		original := job.Clone()
		if err := fn(job); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				return original, err
			}
			return nil, err
		}

		job.UpdatedAt = s.now().UTC()
		if err := job.CheckCounts(); err != nil {
			return nil, err
		}

		err = s.UpdateJob(job)
		if err == nil {
			return job, nil
		}
		if errors.IsConflictError(err) {
			continue
		}
		if errors.IsFrozenError(err) {
			latest, getErr := s.GetJob(id)
			if getErr != nil {
				return nil, err
			}
			return latest, err
		}
		return nil, err
	}

	return nil, errors.Wrapf(errors.ErrConflict, "job %s: gave up after %d concurrent updates", id, maxMutateAttempts)
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM segment_jobs`

	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.Query(baseQuery+` WHERE status = ? ORDER BY created_at DESC LIMIT ?`, *status, limit)
	} else {
		rows, err = s.db.Query(baseQuery+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListActiveJobs returns non-terminal jobs created at or after since, newest first
func (s *Store) ListActiveJobs(since time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM segment_jobs
		WHERE status NOT IN ` + terminalStatusList + `
		  AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, since.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "active jobs")
}

// ListPendingJobs returns jobs awaiting their first attempt, oldest first
func (s *Store) ListPendingJobs(limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM segment_jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "pending jobs")
}

// ListDueRetries returns waiting_retry jobs whose next_retry_at has passed, earliest first
func (s *Store) ListDueRetries(now time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM segment_jobs
		WHERE status = 'waiting_retry'
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due retries")
	}
	defer rows.Close()

	return scanJobs(rows, "due retries")
}

// NextRetryAt returns the earliest scheduled retry, or nil when no job is waiting
func (s *Store) NextRetryAt() (*time.Time, error) {
	var next sql.NullTime
	err := s.db.QueryRow(`
		SELECT next_retry_at FROM segment_jobs
		WHERE status = 'waiting_retry' AND next_retry_at IS NOT NULL
		ORDER BY next_retry_at ASC
		LIMIT 1`).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next retry time")
	}
	return timePtr(next), nil
}

// ListStaleAttempts returns in-flight jobs not updated since cutoff
func (s *Store) ListStaleAttempts(cutoff time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM segment_jobs
		WHERE status IN ('in_progress', 'retrying')
		  AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale attempts")
	}
	defer rows.Close()

	return scanJobs(rows, "stale attempts")
}

// scanJobs scans every row into a Job
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// CountByStatus returns the number of jobs in each status; absent statuses are zero
func (s *Store) CountByStatus() (map[JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM segment_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for _, status := range AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}

// CleanupOldJobs deletes terminal jobs (and their attempt history) last
// updated before now-olderThan. Non-terminal jobs are never removed.
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan).UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM segment_job_attempts
		WHERE job_id IN (
			SELECT id FROM segment_jobs
			WHERE status IN `+terminalStatusList+` AND updated_at < ?
		)`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup attempt history")
	}

	result, err := tx.Exec(`
		DELETE FROM segment_jobs
		WHERE status IN `+terminalStatusList+`
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}

	return int(rows), nil
}
