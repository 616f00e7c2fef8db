package worker

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/itslive/stac-ingest/pkg/core"
)

// Task is one dispatched unit of work.
type Task = core.FileTask

// Pool runs file tasks with a fixed concurrency ceiling.
type Pool struct {
	config PoolConfig
	logger *slog.Logger
}

// NewPool creates a Pool.
func NewPool(opts ...PoolOption) *Pool {
	config := PoolConfig{Concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt.ApplyPool(&config)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{config: config, logger: logger}
}

// Concurrency returns the ceiling.
func (p *Pool) Concurrency() int {
	return p.config.Concurrency
}

// Run dispatches fn for each task in order, with at most Concurrency calls
// in flight. Once ctx is done no further task is started. Run blocks until
// every started call returns and reports how many were started.
func (p *Pool) Run(ctx context.Context, tasks iter.Seq[Task], fn func(ctx context.Context, task Task)) int {
	var started atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.config.Concurrency)

	for task := range tasks {
		if ctx.Err() != nil {
			break
		}
		// Go blocks until a slot is free.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started.Add(1)
			p.execute(ctx, task, fn)
			return nil
		})
	}
	_ = g.Wait()

	n := int(started.Load())
	p.logger.Debug("pool drained", "started", n, "cancelled", ctx.Err() != nil)
	return n
}

func (p *Pool) execute(ctx context.Context, task Task, fn func(ctx context.Context, task Task)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			p.logger.Error("file task panicked", "job_id", task.JobID, "index", task.Index, "error", err)
			if p.config.OnPanic != nil {
				p.config.OnPanic(task, err)
			}
		}
	}()
	fn(ctx, task)
}
