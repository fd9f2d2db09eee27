package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/watch"
)

// statusStyle colors a status by outcome
func statusStyle(status async.JobStatus) *pterm.Style {
	switch status {
	case async.JobStatusCompleted:
		return pterm.NewStyle(pterm.FgGreen)
	case async.JobStatusCompletedWithErrors:
		return pterm.NewStyle(pterm.FgYellow)
	case async.JobStatusFailed:
		return pterm.NewStyle(pterm.FgRed, pterm.Bold)
	case async.JobStatusCancelled:
		return pterm.NewStyle(pterm.FgGray)
	case async.JobStatusInProgress, async.JobStatusRetrying:
		return pterm.NewStyle(pterm.FgCyan)
	default:
		return pterm.NewStyle(pterm.FgDefault)
	}
}

func coloredStatus(status async.JobStatus) string {
	return statusStyle(status).Sprint(string(status))
}

// progress renders "succeeded+skipped/total"
func progress(job *async.Job) string {
	return fmt.Sprintf("%d/%d", job.ProcessedCount, job.TotalCount())
}

// attemptsLabel renders "attempt/budget" for the attempts a job has used
func attemptsLabel(job *async.Job, maxRetries int) string {
	used := job.RetryCount
	if job.Status.IsTerminal() || job.Status.IsRunning() {
		used++
	}
	if job.Status == async.JobStatusPending {
		used = 0
	}
	return fmt.Sprintf("%d/%d", min(used, maxRetries), maxRetries)
}

// formatAge renders how long ago t was, relative to now
func formatAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// jobsTable lays out jobs one per row
func jobsTable(jobs []*async.Job, maxRetries int, now time.Time) pterm.TableData {
	data := pterm.TableData{{"ID", "Status", "Progress", "Failed", "Attempts", "Label", "Created"}}
	for _, job := range jobs {
		data = append(data, []string{
			shortID(job.ID),
			coloredStatus(job.Status),
			progress(job),
			fmt.Sprintf("%d", job.ErrorCount),
			attemptsLabel(job, maxRetries),
			job.Label,
			formatAge(job.CreatedAt, now),
		})
	}
	return data
}

// attemptsTable lays out a job's attempt history
func attemptsTable(attempts []async.AttemptRecord) pterm.TableData {
	data := pterm.TableData{{"#", "Items", "Succeeded", "Failed", "Skipped", "Duration", "Note"}}
	for _, a := range attempts {
		note := a.WholesaleError
		if a.Discarded {
			note = "discarded (job cancelled)"
		}
		data = append(data, []string{
			fmt.Sprintf("%d", a.Attempt),
			fmt.Sprintf("%d", a.InputCount),
			fmt.Sprintf("%d", a.Succeeded),
			fmt.Sprintf("%d", a.Failed),
			fmt.Sprintf("%d", a.Skipped),
			a.Duration().Round(time.Millisecond).String(),
			note,
		})
	}
	return data
}

// printJob prints the detail view of a job
func printJob(job *async.Job) {
	pterm.DefaultSection.Printf("Job %s", job.ID)

	rows := pterm.TableData{
		{"Status", coloredStatus(job.Status)},
		{"Label", valueOr(job.Label, "-")},
		{"Source", job.Source},
		{"Work items", fmt.Sprintf("%d", job.TotalCount())},
		{"Succeeded", fmt.Sprintf("%d", job.SuccessCount)},
		{"Skipped", fmt.Sprintf("%d", job.SkippedCount)},
		{"Failed", fmt.Sprintf("%d", job.ErrorCount)},
		{"Retries", fmt.Sprintf("%d", job.RetryCount)},
		{"Created", job.CreatedAt.Local().Format(time.RFC3339)},
	}
	if job.NextRetryAt != nil {
		rows = append(rows, []string{"Next retry", job.NextRetryAt.Local().Format(time.RFC3339)})
	}
	if job.CompletedAt != nil {
		rows = append(rows, []string{"Completed", job.CompletedAt.Local().Format(time.RFC3339)})
	}
	if len(job.FailedItems) > 0 {
		rows = append(rows, []string{"Failed items", strings.Join(job.FailedItems, ", ")})
	}
	if job.ErrorMessage != "" {
		rows = append(rows, []string{"Error", job.ErrorMessage})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

// terminalPresenter prints poller toasts to the terminal
type terminalPresenter struct{}

func (terminalPresenter) Present(t watch.Toast) {
	text := fmt.Sprintf("[%s] %s: %s", shortID(t.JobID), t.Title, t.Message)
	if t.Kind == watch.ToastFailure {
		pterm.Error.Println(text)
		return
	}
	pterm.Success.Println(text)
}
