package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/db"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: logger.SymDB + " Manage the job database",
	Long: logger.SymDB + ` db - Manage the segment job database

Examples:
  segpulse db migrate                    # Apply pending migrations
  segpulse db stats                      # Job counts by status
  segpulse db cleanup --older-than 168h  # Delete finished jobs older than a week`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs and their attempt history",
	Long: `Delete terminal jobs (completed, completed_with_errors, failed, cancelled)
last updated before the retention window. Pending and retrying jobs are never removed.`,
	RunE: runDbCleanup,
}

func init() {
	dbCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Retention window for finished jobs")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	status, err := db.MigrationStatus(database)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Version", "File", "Applied"}}
	for _, m := range status {
		data = append(data, []string{m.Version, m.File, m.AppliedAt})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Success.Println("Database is up to date")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := async.NewQueue(database).GetStats()
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("%s %s", logger.SymDB, cfg.GetDatabasePath())
	return pterm.DefaultTable.WithHasHeader().WithData(statsTable(stats)).Render()
}

// statsTable lays out queue stats one status per row
func statsTable(stats *async.QueueStats) pterm.TableData {
	rows := []struct {
		status async.JobStatus
		count  int
	}{
		{async.JobStatusPending, stats.Pending},
		{async.JobStatusInProgress, stats.InProgress},
		{async.JobStatusRetrying, stats.Retrying},
		{async.JobStatusWaitingRetry, stats.WaitingRetry},
		{async.JobStatusCompleted, stats.Completed},
		{async.JobStatusCompletedWithErrors, stats.CompletedWithErrors},
		{async.JobStatusFailed, stats.Failed},
		{async.JobStatusCancelled, stats.Cancelled},
	}

	data := pterm.TableData{{"Status", "Jobs"}}
	for _, r := range rows {
		data = append(data, []string{coloredStatus(r.status), fmt.Sprintf("%d", r.count)})
	}
	return append(data, []string{"total", fmt.Sprintf("%d", stats.Total)})
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	deleted, err := async.NewQueue(database).Cleanup(cmd.Context(), olderThan)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Deleted %d finished job(s) older than %s\n", deleted, olderThan)
	return nil
}
