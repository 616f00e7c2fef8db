package tracker

import (
	"context"

	"github.com/itslive/stac-ingest/pkg/schedule"
)

// StartSweeper runs Sweep on s in the background until ctx is cancelled.
// The returned channel is closed once the sweeper has stopped.
func (t *Tracker) StartSweeper(ctx context.Context, s schedule.Schedule) <-chan struct{} {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		schedule.Run(ctx, s, "job-retention-sweep", t.logger, func(ctx context.Context) error {
			_, err := t.Sweep(ctx)
			return err
		})
	}()
	return stopped
}
