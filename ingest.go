// Package ingest bulk-loads STAC NDJSON files into a catalog database.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	db, _ := ingest.OpenDB("catalog.db")
//	catalog := ingest.NewGormCatalog(db)
//	jobs := ingest.NewGormJobStore(db)
//	catalog.Migrate(ctx)
//	jobs.Migrate(ctx)
//
//	s3, _ := ingest.NewS3Store(ctx, ingest.S3Options{Region: "us-west-2", Anonymous: true})
//	engine, _ := ingest.New(catalog, ingest.DefaultConfig(),
//	    ingest.WithObjectStore("s3", s3),
//	    ingest.WithJobStore(jobs))
//	engine.Start(ctx)
//	defer engine.Close(ctx)
//
//	job, _ := engine.Submit(ctx, ingest.Request{Bucket: "its-live-data", Prefix: "cubes/"})
//	job, _ = engine.Wait(ctx, job.ID, true)
package ingest

import (
	"context"
	"net/http"

	"gorm.io/gorm"

	"github.com/itslive/stac-ingest/pkg/collection"
	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/engine"
	"github.com/itslive/stac-ingest/pkg/httpapi"
	"github.com/itslive/stac-ingest/pkg/objstore"
	"github.com/itslive/stac-ingest/pkg/storage"
	"github.com/itslive/stac-ingest/pkg/worker"
)

// Type aliases
type (
	// Engine runs bulk ingest jobs.
	Engine = engine.Engine

	// Config holds the engine tunables.
	Config = engine.Config

	// Option configures an Engine.
	Option = engine.Option

	// Request holds the parameters of a bulk ingest request.
	Request = core.Request

	// Job is one asynchronous bulk ingest request.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// FileTask tracks the processing of one source file.
	FileTask = core.FileTask

	// Summary aggregates file and item counters for a job.
	Summary = core.Summary

	// Method is the write policy for existing item ids.
	Method = core.Method

	// ListFilter selects jobs for listing.
	ListFilter = core.ListFilter

	// Catalog is the write boundary of the catalog store.
	Catalog = core.Catalog

	// JobStore persists jobs.
	JobStore = core.JobStore

	// ObjectStore lists and reads objects in a bucket.
	ObjectStore = objstore.Store

	// S3Options configures an S3 object store.
	S3Options = objstore.S3Options

	// Collections is a registry of catalog collections.
	Collections = collection.Registry

	// RetryConfig holds configuration for retry with backoff.
	RetryConfig = worker.RetryConfig
)

// Job status constants
const (
	StatusPending    = core.StatusPending
	StatusProcessing = core.StatusProcessing
	StatusCompleted  = core.StatusCompleted
	StatusFailed     = core.StatusFailed
	StatusCancelled  = core.StatusCancelled
)

// Upsert methods
const (
	MethodInsert       = core.MethodInsert
	MethodInsertIgnore = core.MethodInsertIgnore
	MethodUpsert       = core.MethodUpsert
)

// Errors
var (
	ErrInvalidRequest     = core.ErrInvalidRequest
	ErrJobNotFound        = core.ErrJobNotFound
	ErrJobTerminal        = core.ErrJobTerminal
	ErrTooManyActiveJobs  = core.ErrTooManyActiveJobs
	ErrEngineShuttingDown = core.ErrEngineShuttingDown
)

// New creates an engine writing to catalog.
func New(catalog Catalog, cfg Config, opts ...Option) (*Engine, error) {
	return engine.New(catalog, cfg, opts...)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return engine.DefaultConfig()
}

// Engine options
var (
	WithObjectStore = engine.WithObjectStore
	WithHTTPClient  = engine.WithHTTPClient
	WithJobStore    = engine.WithJobStore
	WithCollections = engine.WithCollections
	WithRetry       = engine.WithRetry
	WithLogger      = engine.WithLogger
	WithMetrics     = engine.WithMetrics
	WithTracer      = engine.WithTracer
)

// OpenDB connects to a PostgreSQL URL or a SQLite path.
func OpenDB(dsn string) (*gorm.DB, error) {
	return storage.Open(dsn)
}

// NewGormCatalog creates a catalog backed by db.
func NewGormCatalog(db *gorm.DB) *storage.GormCatalog {
	return storage.NewGormCatalog(db)
}

// NewGormJobStore creates a job store backed by db.
func NewGormJobStore(db *gorm.DB) *storage.GormJobStore {
	return storage.NewGormJobStore(db)
}

// NewS3Store creates an S3 object store.
func NewS3Store(ctx context.Context, opts S3Options) (*objstore.S3Store, error) {
	return objstore.NewS3Store(ctx, opts)
}

// NewMemoryStore creates an in-memory object store.
func NewMemoryStore() *objstore.Memory {
	return objstore.NewMemory()
}

// DefaultCollections returns the built-in collection registry.
func DefaultCollections() *Collections {
	return collection.Default()
}

// LoadCollections reads a collection registry from a YAML file.
func LoadCollections(path string) (*Collections, error) {
	return collection.Load(path)
}

// Handler returns the HTTP job API for e.
func Handler(e *Engine, opts ...httpapi.Option) http.Handler {
	return httpapi.Handler(e, opts...)
}
