package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/storage"
)

var jobsFlags struct {
	status string
	page   int
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect ingest jobs",
	Long: `List jobs recorded in the state database, or inspect one job by ID.

Examples:
  stac-ingest jobs                    # Most recent jobs
  stac-ingest jobs --status failed    # Failed jobs only
  stac-ingest jobs 0192f0c1-...       # File-level details for one job`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsFlags.status, "status", "s", "all", "filter by status")
	jobsCmd.Flags().IntVarP(&jobsFlags.page, "page", "p", 0, "page number")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := storage.Open(cfg.StateDatabaseURL)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	store := storage.NewGormJobStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		job, err := store.GetJob(ctx, args[0], true)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		printJob(out, job)
		return nil
	}

	status, err := core.ParseJobStatus(jobsFlags.status)
	if err != nil {
		return err
	}
	jobs, total, err := store.ListJobs(ctx, core.ListFilter{Status: status, Page: jobsFlags.page})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-11s %-9s %-12s %s\n", "ID", "STATUS", "PROGRESS", "FILES", "CREATED")
	fmt.Fprintln(out, "----------------------------------------------------------------------------------------")
	for _, job := range jobs {
		s := job.Summary
		fmt.Fprintf(out, "%-36s %-11s %7.2f%% %-12s %s\n",
			job.ID, job.Status, s.Progress,
			fmt.Sprintf("%d/%d", s.Processed, s.TotalFiles),
			job.CreatedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(out, "\n%d of %d jobs\n", len(jobs), total)
	return nil
}

func printJob(w io.Writer, job *core.Job) {
	s := job.Summary
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	fmt.Fprintf(w, "  Source: %s\n", describeRequest(job.Request))
	if job.Request.CollectionID != "" {
		fmt.Fprintf(w, "  Collection: %s\n", job.Request.CollectionID)
	}
	fmt.Fprintf(w, "  Files: %d total, %d succeeded, %d failed, %d skipped\n", s.TotalFiles, s.Succeeded, s.Failed, s.Skipped)
	fmt.Fprintf(w, "  Items: %d\n", s.ItemsProcessed)
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s (%s)\n", job.CompletedAt.Format(time.RFC3339), job.CompletedAt.Sub(job.CreatedAt).Round(time.Second))
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}

	for _, f := range job.Files {
		if f.Status != core.FileFailed && f.DecodeFailures == 0 {
			continue
		}
		fmt.Fprintf(w, "  - %s: %s", f.Source.Location(), f.Status)
		if f.ErrorKind != "" {
			fmt.Fprintf(w, " (%s) %s", f.ErrorKind, f.Error)
		}
		if f.DecodeFailures > 0 {
			fmt.Fprintf(w, " [%d bad lines]", f.DecodeFailures)
		}
		fmt.Fprintln(w)
	}
}

func describeRequest(r core.Request) string {
	if r.IsURL() {
		return r.URL
	}
	src := fmt.Sprintf("%s://%s/%s", r.Scheme, r.Bucket, r.Prefix)
	if r.Recursive {
		src += " (recursive)"
	}
	if r.Year != 0 {
		src += fmt.Sprintf(" year=%d", r.Year)
	}
	return src
}
