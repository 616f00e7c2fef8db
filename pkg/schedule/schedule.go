package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule defines when a task should run next.
type Schedule interface {
	Next(from time.Time) time.Time
}

type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse creates a schedule from a five-field cron expression or a descriptor
// such as "@hourly" or "@every 30m".
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Run calls fn each time s comes due until ctx is cancelled. Runs never
// overlap; a run that overlaps the next slot delays it.
func Run(ctx context.Context, s Schedule, name string, logger *slog.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}

	next := s.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := fn(ctx); err != nil {
			logger.Error("scheduled task failed", "name", name, "error", err)
		} else {
			logger.Debug("scheduled task finished", "name", name, "duration", time.Since(start))
		}
		next = s.Next(time.Now())
	}
}
