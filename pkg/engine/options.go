package engine

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/itslive/stac-ingest/pkg/collection"
	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/fetch"
	"github.com/itslive/stac-ingest/pkg/objstore"
	"github.com/itslive/stac-ingest/pkg/observability"
	"github.com/itslive/stac-ingest/pkg/processor"
	"github.com/itslive/stac-ingest/pkg/tracker"
	"github.com/itslive/stac-ingest/pkg/worker"
)

// Config holds the engine tunables.
type Config struct {
	// MaxConcurrentFiles is the number of files processed at once per job.
	MaxConcurrentFiles int

	// MaxFileSize is the largest accepted source file in bytes. Zero disables the limit.
	MaxFileSize int64

	// TmpDir is where fetched files are spooled. Empty streams directly.
	TmpDir string

	// BatchSize is the number of items per catalog submission.
	BatchSize int

	FetchTimeout  time.Duration
	SubmitTimeout time.Duration

	// MaxActiveJobs limits concurrently running jobs. Zero disables the limit.
	MaxActiveJobs int

	// SkipIngested skips files an earlier job already ingested unchanged.
	SkipIngested bool

	// StrictCollections rejects requests naming an unregistered collection.
	StrictCollections bool

	// Retention is how long finished jobs are kept.
	Retention time.Duration

	// SweepSchedule is a cron expression or descriptor for the retention
	// sweep. Empty disables the sweeper.
	SweepSchedule string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentFiles: worker.DefaultConcurrency,
		MaxFileSize:        1500 << 20,
		TmpDir:             "",
		BatchSize:          processor.DefaultBatchSize,
		FetchTimeout:       fetch.DefaultTimeout,
		SubmitTimeout:      processor.DefaultSubmitTimeout,
		MaxActiveJobs:      tracker.DefaultMaxActiveJobs,
		Retention:          tracker.DefaultRetention,
		SweepSchedule:      "@every 1h",
	}
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	stores      map[string]objstore.Store
	httpClient  *http.Client
	jobStore    core.JobStore
	collections *collection.Registry
	retry       worker.RetryConfig
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
}

// WithObjectStore registers the object store serving scheme ("s3" or "gs").
func WithObjectStore(scheme string, store objstore.Store) Option {
	return func(o *options) {
		o.stores[scheme] = store
	}
}

// WithHTTPClient sets the client used for URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithJobStore persists jobs to store.
func WithJobStore(store core.JobStore) Option {
	return func(o *options) {
		o.jobStore = store
	}
}

// WithCollections sets the collection registry.
func WithCollections(r *collection.Registry) Option {
	return func(o *options) {
		o.collections = r
	}
}

// WithRetry sets the retry policy for fetches, submissions and job store writes.
func WithRetry(cfg worker.RetryConfig) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}
