// Package engine runs bulk ingest jobs.
//
// A job drains its source enumeration, then dispatches the files through a
// bounded worker pool. Each file is streamed, decoded and submitted to the
// catalog in batches while progress events flow to the job tracker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/itslive/stac-ingest/pkg/collection"
	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/fetch"
	"github.com/itslive/stac-ingest/pkg/jobctx"
	"github.com/itslive/stac-ingest/pkg/objstore"
	"github.com/itslive/stac-ingest/pkg/observability"
	"github.com/itslive/stac-ingest/pkg/processor"
	"github.com/itslive/stac-ingest/pkg/schedule"
	"github.com/itslive/stac-ingest/pkg/security"
	"github.com/itslive/stac-ingest/pkg/source"
	"github.com/itslive/stac-ingest/pkg/tracker"
	"github.com/itslive/stac-ingest/pkg/worker"
)

// Engine accepts ingest requests and runs them as background jobs.
type Engine struct {
	config      Config
	collections *collection.Registry
	enumerator  *source.Enumerator
	processor   *processor.Processor
	pool        *worker.Pool
	tracker     *tracker.Tracker
	sweep       schedule.Schedule
	logger      *slog.Logger
	tracer      *observability.Tracer

	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	stopSweep context.CancelFunc
	swept     <-chan struct{}
}

// New creates an Engine writing to catalog.
func New(catalog core.Catalog, cfg Config, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("engine: catalog is required")
	}
	o := &options{
		stores:     make(map[string]objstore.Store),
		httpClient: http.DefaultClient,
		retry:      worker.DefaultRetryConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.collections == nil {
		o.collections = collection.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = observability.NewNoopTracer()
	}

	var sweep schedule.Schedule
	if cfg.SweepSchedule != "" {
		s, err := schedule.Parse(cfg.SweepSchedule)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		sweep = s
	}

	enumOpts := []source.Option{
		source.WithHTTPClient(o.httpClient),
		source.WithMaxFileSize(cfg.MaxFileSize),
		source.WithLogger(o.logger),
	}
	fetchOpts := []fetch.Option{
		fetch.WithHTTPClient(o.httpClient),
		fetch.WithMaxFileSize(cfg.MaxFileSize),
		fetch.WithTmpDir(cfg.TmpDir),
		fetch.WithTimeout(cfg.FetchTimeout),
		fetch.WithRetry(o.retry),
		fetch.WithLogger(o.logger),
	}
	for scheme, store := range o.stores {
		enumOpts = append(enumOpts, source.WithStore(scheme, store))
		fetchOpts = append(fetchOpts, fetch.WithStore(scheme, store))
	}

	e := &Engine{
		config:      cfg,
		collections: o.collections,
		enumerator:  source.New(enumOpts...),
		sweep:       sweep,
		logger:      o.logger,
		tracer:      o.tracer,
	}

	e.tracker = tracker.New(
		tracker.WithStore(o.jobStore),
		tracker.WithMaxActiveJobs(cfg.MaxActiveJobs),
		tracker.WithRetention(cfg.Retention),
		tracker.WithStoreRetry(o.retry),
		tracker.WithLogger(o.logger),
		tracker.WithMetrics(o.metrics),
	)

	procOpts := []processor.Option{
		processor.WithBatchSize(cfg.BatchSize),
		processor.WithSubmitTimeout(cfg.SubmitTimeout),
		processor.WithRetry(o.retry),
		processor.WithLogger(o.logger),
		processor.WithMetrics(o.metrics),
		processor.WithTracer(o.tracer),
	}
	if cfg.SkipIngested && o.jobStore != nil {
		procOpts = append(procOpts, processor.WithSkipIngested(o.jobStore))
	}
	e.processor = processor.New(fetch.New(fetchOpts...), catalog, procOpts...)

	e.pool = worker.NewPool(
		worker.Concurrency(cfg.MaxConcurrentFiles),
		worker.WithLogger(o.logger),
		worker.OnPanic(e.filePanicked),
	)
	return e, nil
}

// Start recovers jobs interrupted by a previous process and starts the
// retention sweeper. The sweeper stops on Close.
func (e *Engine) Start(ctx context.Context) error {
	if n, err := e.tracker.Recover(ctx); err != nil {
		return fmt.Errorf("engine: recover jobs: %w", err)
	} else if n > 0 {
		e.logger.Warn("marked interrupted jobs as failed", "count", n)
	}

	if e.sweep != nil && e.stopSweep == nil {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.stopSweep = cancel
		e.swept = e.tracker.StartSweeper(sweepCtx, e.sweep)
	}

	e.logger.Info("ingest engine started",
		"max_concurrent_files", e.pool.Concurrency(),
		"max_file_size", e.config.MaxFileSize,
		"batch_size", e.processor.BatchSize(),
		"collections", e.collections.IDs())
	return nil
}

// Submit validates req, registers a pending job and starts it in the
// background. It fails only for invalid requests, the active job limit, or
// a closing engine.
func (e *Engine) Submit(ctx context.Context, req core.Request) (*core.Job, error) {
	if err := security.ValidateRequest(&req); err != nil {
		if !errors.Is(err, core.ErrInvalidRequest) {
			err = fmt.Errorf("%w: %w", core.ErrInvalidRequest, err)
		}
		return nil, err
	}
	col, err := e.resolveCollection(req)
	if err != nil {
		return nil, err
	}
	if col != nil {
		req.CollectionID = col.ID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, core.ErrEngineShuttingDown
	}

	job, jobCtx, err := e.tracker.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.run(jobCtx, job.ID, req, col)
	return job, nil
}

// SubmitURL starts a job ingesting the single NDJSON file at url.
func (e *Engine) SubmitURL(ctx context.Context, rawURL, collectionID string, method core.Method) (*core.Job, error) {
	return e.Submit(ctx, core.Request{URL: rawURL, CollectionID: collectionID, Method: method})
}

func (e *Engine) resolveCollection(req core.Request) (*collection.Collection, error) {
	if req.CollectionID == "" {
		// A URL naming a known item file implies its collection.
		if req.IsURL() {
			if u, err := url.Parse(req.URL); err == nil {
				if col, ok := e.collections.ByItemFile(path.Base(u.Path)); ok && col.Accepts(collection.SourceURL) {
					return col, nil
				}
			}
		}
		return nil, nil
	}
	col, ok := e.collections.Get(req.CollectionID)
	if !ok {
		if e.config.StrictCollections {
			return nil, fmt.Errorf("%w: %w: %q", core.ErrInvalidRequest, core.ErrUnknownCollection, req.CollectionID)
		}
		return nil, nil
	}

	kind := collection.SourceObjectStore
	if req.IsURL() {
		kind = collection.SourceURL
	}
	if !col.Accepts(kind) {
		return nil, fmt.Errorf("%w: collection %q cannot be ingested from %s sources", core.ErrInvalidRequest, col.ID, kind)
	}
	return col, nil
}

func (e *Engine) run(ctx context.Context, jobID string, req core.Request, col *collection.Collection) {
	defer e.wg.Done()

	ctx = jobctx.WithJob(ctx, jobID)
	ctx, span := e.tracer.StartJob(ctx, jobID)
	defer span.End()

	start := time.Now()
	tasks, err := e.enumerator.Tasks(ctx, jobID, req, col)
	if err != nil {
		jobctx.Logger(ctx, e.logger).Error("enumeration failed", "error", err)
		e.tracker.Apply(&core.EnumerationFailed{Job: jobID, Err: err, Timestamp: time.Now()})
		observability.End(span, err)
		return
	}
	e.tracker.Apply(&core.EnumerationCompleted{Job: jobID, Files: tasks, Timestamp: time.Now()})

	started := e.pool.Run(ctx, pending(tasks), func(ctx context.Context, task worker.Task) {
		e.processor.Process(ctx, req, task, e.tracker)
	})

	jobctx.Logger(ctx, e.logger).Debug("job drained",
		"files", len(tasks),
		"started", started,
		"duration", time.Since(start))
}

// pending yields the tasks still to process, in enumeration order.
func pending(tasks []core.FileTask) iter.Seq[worker.Task] {
	return func(yield func(worker.Task) bool) {
		for _, t := range tasks {
			if t.Status != core.FilePending {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

func (e *Engine) filePanicked(task worker.Task, recovered error) {
	e.tracker.Apply(&core.FileFinished{
		Job:       task.JobID,
		Index:     task.Index,
		Result:    core.FileResult{Status: core.FileFailed, Err: recovered},
		Timestamp: time.Now(),
	})
}

// Status returns a job snapshot; details adds the per-file breakdown.
func (e *Engine) Status(ctx context.Context, id string, details bool) (*core.Job, error) {
	return e.tracker.Get(ctx, id, details)
}

// Cancel cancels a running job. Terminal jobs are returned unchanged with
// core.ErrJobTerminal.
func (e *Engine) Cancel(ctx context.Context, id string) (*core.Job, error) {
	return e.tracker.Cancel(ctx, id)
}

// List returns jobs newest first.
func (e *Engine) List(ctx context.Context, filter core.ListFilter) ([]*core.Job, int64, error) {
	return e.tracker.List(ctx, filter)
}

// Wait blocks until the job is terminal.
func (e *Engine) Wait(ctx context.Context, id string, details bool) (*core.Job, error) {
	return e.tracker.Wait(ctx, id, details)
}

// Subscribe streams job snapshots after every change. See tracker.Subscribe.
func (e *Engine) Subscribe(buffer int) (<-chan *core.Job, func()) {
	return e.tracker.Subscribe(buffer)
}

// Collections returns the collection registry.
func (e *Engine) Collections() *collection.Registry {
	return e.collections
}

// Close stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are cancelled and Close returns ctx.Err().
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if e.stopSweep != nil {
		e.stopSweep()
		<-e.swept
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	if n := e.tracker.CancelAll(); n > 0 {
		e.logger.Warn("cancelled running jobs on shutdown", "count", n)
	}
	<-done
	return ctx.Err()
}
