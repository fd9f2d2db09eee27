package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/watch"
)

// JobsCmd groups segment job management
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: logger.SymPulse + " Submit, inspect, cancel and watch segment jobs",
	Long: logger.SymPulse + ` jobs - segment job management.

A job is a batch of segment definition ids. Each attempt creates the
outstanding segments; failed ones are retried after pulse.retry.delay_seconds
until pulse.retry.max_retries attempts have been used.

Examples:
  segpulse jobs submit vip lapsed --label "Q4 audiences"
  segpulse jobs submit --file segments.txt --run
  segpulse jobs ls --status waiting_retry
  segpulse jobs status 3f2a9c1e --attempts
  segpulse jobs cancel 3f2a9c1e
  segpulse jobs watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit [definition-id...]",
	Short: "Queue a job for one or more segment definitions",
	Long: `Queue a job. Definition ids come from the arguments, from --file (one id
per line, # comments allowed) or both. Duplicates are dropped.

With --run the first attempt runs in this process instead of waiting for a
serve worker.`,
	RunE: runJobsSubmit,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not finished",
	Long: `Cancel a job. Only pending, running or waiting jobs can be cancelled; an
attempt already in flight finishes but its result is discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var jobsAttemptCmd = &cobra.Command{
	Use:   "attempt <job-id>",
	Short: "Run the next attempt of a job now, if it is due",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAttempt,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow active jobs and announce each one once it finishes",
	RunE:  runJobsWatch,
}

func init() {
	jobsSubmitCmd.Flags().StringP("file", "f", "", "Read definition ids from a file ('-' for stdin)")
	jobsSubmitCmd.Flags().StringP("label", "l", "", "Human-readable label for notifications")
	jobsSubmitCmd.Flags().Bool("run", false, "Run the first attempt immediately in this process")
	jobsSubmitCmd.Flags().Bool("dry-run", false, "With --run, validate definitions without calling Klaviyo")

	jobsLsCmd.Flags().String("status", "", "Filter by status ("+statusNames()+")")
	jobsLsCmd.Flags().Bool("active", false, "Only jobs that have not finished")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	jobsStatusCmd.Flags().Bool("attempts", false, "Include attempt history")

	jobsAttemptCmd.Flags().Bool("dry-run", false, "Validate definitions without calling Klaviyo")

	jobsWatchCmd.Flags().Duration("interval", 0, "Poll interval (overrides watch.poll_interval_ms)")

	JobsCmd.AddCommand(jobsSubmitCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsAttemptCmd)
	JobsCmd.AddCommand(jobsWatchCmd)
}

func statusNames() string {
	names := make([]string, len(async.AllStatuses))
	for i, s := range async.AllStatuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	label, _ := cmd.Flags().GetString("label")
	runNow, _ := cmd.Flags().GetBool("run")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	items := append([]string(nil), args...)
	if file != "" {
		fromFile, err := readWorkItemsFile(file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		items = append(items, fromFile...)
	}
	if len(items) == 0 {
		return errors.NewInvalidRequestError("no segment definition ids given (pass them as arguments or with --file)")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg, pipelineOptions{dryRun: dryRun, log: logger.Logger})
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := cmd.Context()
	id, err := p.queue.SubmitJob(ctx, items, async.SubmitOptions{Source: "cli", Label: label})
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Queued job %s (%d definitions)", id, len(items))

	if !runNow {
		return nil
	}

	spinner, _ := pterm.DefaultSpinner.Start("Running first attempt...")
	err = p.scheduler.RunAttempt(ctx, id)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return err
	}

	job, err := p.queue.GetJob(id)
	if err != nil {
		return err
	}
	printJob(job)
	return nil
}

// readWorkItemsFile reads one definition id per line. Blank lines and lines
// starting with # are ignored; "-" reads stdin.
func readWorkItemsFile(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		defer f.Close()
		r = f
	}

	var items []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return items, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	active, _ := cmd.Flags().GetBool("active")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()
	queue := async.NewQueue(database)

	var jobs []*async.Job
	switch {
	case active:
		jobs, err = queue.ListActiveJobs(time.Time{}, limit)
	case statusFilter != "":
		if !async.IsValidStatus(statusFilter) {
			return errors.NewInvalidRequestError("unknown status %q (valid: %s)", statusFilter, statusNames())
		}
		status := async.JobStatus(statusFilter)
		jobs, err = queue.ListJobs(&status, limit)
	default:
		jobs, err = queue.ListJobs(nil, limit)
	}
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(jobsTable(jobs, cfg.Pulse.Retry.MaxRetries, time.Now())).Render(); err != nil {
		return err
	}
	pterm.Printfln("\n%d job(s)", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	withAttempts, _ := cmd.Flags().GetBool("attempts")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	queue := async.NewQueue(database)

	job, err := resolveJob(queue, args[0])
	if err != nil {
		return err
	}
	printJob(job)

	if !withAttempts {
		return nil
	}
	attempts, err := queue.ListAttempts(job.ID)
	if err != nil {
		return err
	}
	pterm.Println()
	if len(attempts) == 0 {
		pterm.Info.Println("No attempts yet")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(attemptsTable(attempts)).Render()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Cancelling fires the completion notice, so the sinks are needed
	p, err := newPipeline(cfg, pipelineOptions{log: logger.Logger})
	if err != nil {
		return err
	}
	defer p.Close()

	job, err := resolveJob(p.queue, args[0])
	if err != nil {
		return err
	}
	if err := p.queue.CancelJob(cmd.Context(), job.ID); err != nil {
		if errors.IsFrozenError(err) {
			return fmt.Errorf("job %s already finished as %s", shortID(job.ID), job.Status)
		}
		return err
	}
	pterm.Success.Printfln("Cancelled job %s", job.ID)
	return nil
}

func runJobsAttempt(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg, pipelineOptions{dryRun: dryRun, log: logger.Logger})
	if err != nil {
		return err
	}
	defer p.Close()

	job, err := resolveJob(p.queue, args[0])
	if err != nil {
		return err
	}
	before := job.Status

	if err := p.scheduler.RunAttempt(cmd.Context(), job.ID); err != nil {
		return err
	}

	job, err = p.queue.GetJob(job.ID)
	if err != nil {
		return err
	}
	if job.Status == before && !before.IsRunning() && before != async.JobStatusPending {
		pterm.Info.Printfln("Job %s is not due for an attempt", shortID(job.ID))
	}
	printJob(job)
	return nil
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()
	queue := async.NewQueue(database)

	watchCfg := watch.Config{
		PollInterval: cfg.Watch.PollInterval(),
		ActiveWindow: cfg.Watch.ActiveWindow(),
	}
	if interval > 0 {
		watchCfg.PollInterval = interval
	}
	poller := watch.NewPoller(queue, terminalPresenter{}, watchCfg, logger.Logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("Watching jobs every %s (Ctrl+C to stop)", watchCfg.PollInterval)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if remaining := poller.Snapshot(); len(remaining) > 0 {
		pterm.Println()
		_ = pterm.DefaultTable.WithHasHeader().WithData(jobsTable(remaining, cfg.Pulse.Retry.MaxRetries, time.Now())).Render()
	}
	return nil
}

// resolveJob finds a job by full ID or by an unambiguous ID prefix of at
// least 4 characters among recent jobs
func resolveJob(queue *async.Queue, ref string) (*async.Job, error) {
	job, err := queue.GetJob(ref)
	if err == nil {
		return job, nil
	}
	if !errors.IsNotFoundError(err) || len(ref) < 4 {
		return nil, err
	}

	recent, listErr := queue.ListJobs(nil, 500)
	if listErr != nil {
		return nil, listErr
	}
	var match *async.Job
	for _, j := range recent {
		if !strings.HasPrefix(j.ID, ref) {
			continue
		}
		if match != nil {
			return nil, errors.NewInvalidRequestError("job prefix %q is ambiguous", ref)
		}
		match = j
	}
	if match == nil {
		return nil, err
	}
	return match, nil
}
