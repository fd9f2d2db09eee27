package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/segpulse/errors"
)

// JobScanArgs holds the nullable and encoded columns scanned alongside a Job
type JobScanArgs struct {
	WorkItemsJSON   string
	FailedItemsJSON sql.NullString
	NextRetryAt     sql.NullTime
	StartedAt       sql.NullTime
	CompletedAt     sql.NullTime
	Notified        int
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Label,
		&job.Source,
		&job.Status,
		&args.WorkItemsJSON,
		&args.FailedItemsJSON,
		&job.ProcessedCount,
		&job.SuccessCount,
		&job.ErrorCount,
		&job.SkippedCount,
		&job.RetryCount,
		&args.NextRetryAt,
		&job.ErrorMessage,
		&args.Notified,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

// ProcessJobScanArgs decodes the scanned arguments into job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	if err := json.Unmarshal([]byte(args.WorkItemsJSON), &job.WorkItems); err != nil {
		return errors.Wrapf(err, "failed to unmarshal work items for job %s", job.ID)
	}

	job.FailedItems = []string{}
	if args.FailedItemsJSON.Valid && args.FailedItemsJSON.String != "" {
		if err := json.Unmarshal([]byte(args.FailedItemsJSON.String), &job.FailedItems); err != nil {
			return errors.Wrapf(err, "failed to unmarshal failed items for job %s", job.ID)
		}
	}

	job.Notified = args.Notified != 0
	job.NextRetryAt = timePtr(args.NextRetryAt)
	job.StartedAt = timePtr(args.StartedAt)
	job.CompletedAt = timePtr(args.CompletedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	return nil
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	return ProcessJobScanArgs(job, args)
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	if err := rows.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	return ProcessJobScanArgs(job, args)
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, label, source, status,
		work_items, failed_items,
		processed_count, success_count, error_count, skipped_count,
		retry_count, next_retry_at, error_message,
		notified, version,
		created_at, updated_at, started_at, completed_at`
}

func marshalItems(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal items")
	}
	return string(data), nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// nullTime stores every timestamp in UTC so lexical comparison in SQLite
// matches chronological order.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
