package async

import (
	"time"

	"github.com/teranos/segpulse/errors"
)

// AttemptRecord is one executor call against a job, kept as audit history
type AttemptRecord struct {
	JobID          string    `json:"job_id"`
	Attempt        int       `json:"attempt"`
	InputCount     int       `json:"input_count"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	WholesaleError string    `json:"wholesale_error,omitempty"`
	Discarded      bool      `json:"discarded"` // finished after cancellation, result not applied
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Duration is how long the executor call took
func (r AttemptRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RecordAttempt appends an attempt to the job's history
func (s *Store) RecordAttempt(rec AttemptRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO segment_job_attempts (
			job_id, attempt, input_count,
			succeeded, failed, skipped,
			wholesale_error, discarded,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Attempt, rec.InputCount,
		rec.Succeeded, rec.Failed, rec.Skipped,
		rec.WholesaleError, boolInt(rec.Discarded),
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record attempt %d for job %s", rec.Attempt, rec.JobID)
	}
	return nil
}

// ListAttempts returns a job's attempts in order
func (s *Store) ListAttempts(jobID string) ([]AttemptRecord, error) {
	rows, err := s.db.Query(`
		SELECT job_id, attempt, input_count,
		       succeeded, failed, skipped,
		       wholesale_error, discarded,
		       started_at, finished_at
		FROM segment_job_attempts
		WHERE job_id = ?
		ORDER BY attempt ASC, id ASC`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var discarded int
		if err := rows.Scan(
			&rec.JobID, &rec.Attempt, &rec.InputCount,
			&rec.Succeeded, &rec.Failed, &rec.Skipped,
			&rec.WholesaleError, &discarded,
			&rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt")
		}
		rec.Discarded = discarded != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating attempts")
	}

	return records, nil
}
