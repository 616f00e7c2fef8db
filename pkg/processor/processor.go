// Package processor streams one source file through the decoder into
// batched catalog submissions.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/decoder"
	"github.com/itslive/stac-ingest/pkg/jobctx"
	"github.com/itslive/stac-ingest/pkg/observability"
	"github.com/itslive/stac-ingest/pkg/security"
	"github.com/itslive/stac-ingest/pkg/worker"
)

// Defaults for batching and submission.
const (
	DefaultBatchSize     = 500
	DefaultSubmitTimeout = 2 * time.Minute
)

// Opener opens the content of a source file.
type Opener interface {
	Open(ctx context.Context, src core.Source) (io.ReadCloser, error)
}

// IngestIndex reports sources already ingested by a succeeded job.
type IngestIndex interface {
	FindIngested(ctx context.Context, src core.Source, excludeJobID string) (bool, error)
}

// Option configures a Processor.
type Option func(*Processor)

// WithBatchSize sets the number of items per catalog submission.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		p.batchSize = security.ClampBatchSize(n)
	}
}

// WithSubmitTimeout bounds each batch submission, retries included.
func WithSubmitTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.submitTimeout = d
	}
}

// WithRetry sets the retry policy for batch submissions.
func WithRetry(cfg worker.RetryConfig) Option {
	return func(p *Processor) {
		p.retry = cfg
	}
}

// WithMaxLineSize sets the longest accepted NDJSON line.
func WithMaxLineSize(n int) Option {
	return func(p *Processor) {
		p.maxLineSize = n
	}
}

// WithSkipIngested skips sources that index reports as already ingested.
func WithSkipIngested(index IngestIndex) Option {
	return func(p *Processor) {
		p.index = index
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(p *Processor) {
		p.tracer = t
	}
}

// Processor turns one FileTask into catalog writes and progress events.
type Processor struct {
	opener        Opener
	catalog       core.Catalog
	index         IngestIndex
	batchSize     int
	submitTimeout time.Duration
	maxLineSize   int
	retry         worker.RetryConfig
	logger        *slog.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
}

// New creates a Processor reading through opener and writing to catalog.
func New(opener Opener, catalog core.Catalog, opts ...Option) *Processor {
	p := &Processor{
		opener:        opener,
		catalog:       catalog,
		batchSize:     DefaultBatchSize,
		submitTimeout: DefaultSubmitTimeout,
		maxLineSize:   decoder.DefaultMaxLineSize,
		retry:         worker.DefaultRetryConfig(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewNoopMetrics()
	}
	if p.tracer == nil {
		p.tracer = observability.NewNoopTracer()
	}
	return p
}

// BatchSize returns the configured batch size.
func (p *Processor) BatchSize() int {
	return p.batchSize
}

// Process runs one file to a terminal state. It emits FileStarted, one
// BatchCommitted per accepted batch, and exactly one FileFinished, and
// returns the same result carried by FileFinished.
//
// Cancellation is observed before the file starts and at every batch
// boundary. Batches already committed stay committed.
func (p *Processor) Process(ctx context.Context, req core.Request, task core.FileTask, sink core.EventSink) core.FileResult {
	ctx = jobctx.WithFile(jobctx.WithJob(ctx, task.JobID), task.Index, task.Source.Location())
	if err := ctx.Err(); err != nil {
		return p.finish(ctx, task, sink, core.FileResult{Status: core.FileFailed, Err: err})
	}

	sink.Apply(&core.FileStarted{Job: task.JobID, Index: task.Index, Timestamp: time.Now()})

	ctx, span := p.tracer.StartFile(ctx, task.JobID, task.Index, task.Source.Location())
	result := p.run(ctx, req, task, sink)
	observability.End(span, result.Err)

	return p.finish(ctx, task, sink, result)
}

func (p *Processor) finish(ctx context.Context, task core.FileTask, sink core.EventSink, result core.FileResult) core.FileResult {
	if result.Err != nil {
		result.Status = core.FileFailed
	} else {
		result.Status = core.FileSucceeded
	}

	kind := core.KindOf(result.Err)
	p.metrics.RecordFile(ctx, string(result.Status), string(kind))
	p.metrics.RecordDecodeFailures(ctx, result.DecodeFailures)

	logger := jobctx.Logger(ctx, p.logger)
	if result.Err != nil {
		logger.Warn("file failed",
			"kind", kind,
			"items", result.ItemsProcessed,
			"decode_failures", result.DecodeFailures,
			"error", result.Err)
	} else {
		logger.Info("file finished",
			"skipped", result.Skipped,
			"items", result.ItemsProcessed,
			"items_skipped", result.ItemsSkipped,
			"decode_failures", result.DecodeFailures,
			"batches", result.Batches)
	}

	sink.Apply(&core.FileFinished{Job: task.JobID, Index: task.Index, Result: result, Timestamp: time.Now()})
	return result
}

func (p *Processor) run(ctx context.Context, req core.Request, task core.FileTask, sink core.EventSink) core.FileResult {
	var result core.FileResult

	if p.skippable(ctx, task) {
		result.Skipped = true
		return result
	}

	body, err := p.opener.Open(ctx, task.Source)
	if err != nil {
		result.Err = err
		return result
	}
	defer body.Close()

	dec := decoder.New(body,
		decoder.WithCollection(req.CollectionID),
		decoder.WithMaxLineSize(p.maxLineSize))
	b := newBatcher(p.batchSize)

	for {
		item, err := dec.Next()
		if err == io.EOF {
			break
		}
		var decodeErr *core.DecodeError
		if errors.As(err, &decodeErr) {
			result.DecodeFailures++
			if len(result.DecodeErrors) < security.MaxDecodeErrorSamples {
				result.DecodeErrors = append(result.DecodeErrors, decodeErr.Error())
			}
			continue
		}
		if err != nil {
			result.Err = err
			return result
		}

		if full := b.add(item); full != nil {
			if err := p.flush(ctx, req, task, sink, full, &result); err != nil {
				result.Err = err
				return result
			}
		}
	}

	for _, pending := range b.drain() {
		if err := p.flush(ctx, req, task, sink, pending, &result); err != nil {
			result.Err = err
			return result
		}
	}
	return result
}

// skippable reports whether an earlier job already ingested the same
// content. Sources without an ETag or known size never match.
func (p *Processor) skippable(ctx context.Context, task core.FileTask) bool {
	if p.index == nil || task.Source.ETag == "" || task.Source.Size < 0 {
		return false
	}
	found, err := p.index.FindIngested(ctx, task.Source, task.JobID)
	if err != nil {
		jobctx.Logger(ctx, p.logger).Warn("ingest index lookup failed", "error", err)
		return false
	}
	return found
}

// flush submits one batch. The batch boundary is also the cancellation point.
func (p *Processor) flush(ctx context.Context, req core.Request, task core.FileTask, sink core.EventSink, b *batch, result *core.FileResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	number := result.Batches + 1
	bctx, span := p.tracer.StartBatch(ctx, b.collection, number)
	start := time.Now()
	res, err := p.submit(bctx, b.collection, b.items, req.Method)
	p.metrics.RecordBatch(bctx, b.collection, string(req.Method), len(b.items), acceptedCount(res), time.Since(start), err)
	observability.End(span, err)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &core.GatewayError{Collection: b.collection, Batch: number, Err: err}
	}

	accepted, skipped := b.tally(res, req.Method)
	result.Batches = number
	result.ItemsProcessed += int64(accepted)
	result.ItemsSkipped += int64(skipped)

	sink.Apply(&core.BatchCommitted{
		Job:       task.JobID,
		Index:     task.Index,
		Items:     accepted,
		Skipped:   skipped,
		Timestamp: time.Now(),
	})
	return nil
}

func (p *Processor) submit(ctx context.Context, collection string, items map[string]*core.Item, method core.Method) (*core.SubmitResult, error) {
	if p.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.submitTimeout)
		defer cancel()
	}

	retry := p.retry
	if retry.OnRetry == nil {
		logger := jobctx.Logger(ctx, p.logger)
		retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Warn("retrying batch submission",
				"collection", collection,
				"attempt", attempt,
				"wait", wait,
				"error", err)
		}
	}

	var res *core.SubmitResult
	err := worker.Retry(ctx, retry, func() error {
		var submitErr error
		res, submitErr = p.catalog.Submit(ctx, collection, items, method)
		return submitErr
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("catalog returned no result for %d items", len(items))
	}
	return res, nil
}

func acceptedCount(res *core.SubmitResult) int {
	if res == nil {
		return 0
	}
	return len(res.Accepted)
}
