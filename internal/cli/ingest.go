package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itslive/stac-ingest/pkg/core"
)

var ingestFlags struct {
	recursive  bool
	year       int
	collection string
	method     string
	quiet      bool
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <s3://bucket/prefix | gs://bucket/prefix | https://host/file.ndjson>",
	Short: "Run one ingest job in the foreground",
	Long: `Run a single ingest job and wait for it to finish.

Examples:
  stac-ingest ingest s3://its-live-data/test-space/stac/ndjson/ --collection itslive-cubes
  stac-ingest ingest s3://its-live-data/cubes/ --recursive --year 2020
  stac-ingest ingest https://example.com/granule-items.json --method upsert

Interrupting the command cancels the job; batches already committed stay.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.BoolVarP(&ingestFlags.recursive, "recursive", "r", false, "descend into sub-prefixes")
	f.IntVar(&ingestFlags.year, "year", 0, "only files whose name starts with this year")
	f.StringVarP(&ingestFlags.collection, "collection", "c", "", "target collection id")
	f.StringVarP(&ingestFlags.method, "method", "m", string(core.DefaultMethod), "insert, insert_ignore or upsert")
	f.BoolVarP(&ingestFlags.quiet, "quiet", "q", false, "print only the final summary")
}

// parseTarget turns the positional argument into a request.
func parseTarget(target string) (core.Request, error) {
	req := core.Request{
		Recursive:    ingestFlags.recursive,
		Year:         ingestFlags.year,
		CollectionID: ingestFlags.collection,
		Method:       core.Method(ingestFlags.method),
	}
	for _, scheme := range []string{"s3", "gs"} {
		rest, ok := strings.CutPrefix(target, scheme+"://")
		if !ok {
			continue
		}
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return req, fmt.Errorf("%w: missing bucket in %q", core.ErrInvalidRequest, target)
		}
		req.Scheme, req.Bucket, req.Prefix = scheme, bucket, prefix
		return req, nil
	}
	req.URL = target
	return req, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := parseTarget(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.shutdown(closeCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	updates, unsubscribe := a.engine.Subscribe(64)
	defer unsubscribe()

	job, err := a.engine.Submit(ctx, req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s submitted\n", job.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		last := -1.0
		for snap := range updates {
			if snap.ID != job.ID || ingestFlags.quiet || snap.Summary.Progress == last {
				continue
			}
			last = snap.Summary.Progress
			s := snap.Summary
			fmt.Fprintf(out, "  %-10s %3.0f%%  files %d/%d  failed %d  items %d\n",
				snap.Status, s.Progress, s.Processed, s.TotalFiles, s.Failed, s.ItemsProcessed)
		}
	}()

	final, err := a.engine.Wait(ctx, job.ID, true)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(out, "Interrupted, cancelling job")
		if _, cerr := a.engine.Cancel(context.Background(), job.ID); cerr != nil && !errors.Is(cerr, core.ErrJobTerminal) {
			return cerr
		}
		final, err = a.engine.Wait(context.Background(), job.ID, true)
	}
	unsubscribe()
	<-done
	if err != nil {
		return err
	}

	printJob(out, final)
	if final.Status != core.StatusCompleted {
		return fmt.Errorf("job %s %s", final.ID, final.Status)
	}
	return nil
}
