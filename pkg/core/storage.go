package core

import (
	"context"
	"time"
)

// SubmitResult reports the outcome of one accepted batch.
// Rejected maps item ids to the reason they were not written.
type SubmitResult struct {
	Accepted []string
	Rejected map[string]string
}

// Catalog is the write boundary of the catalog store. A Submit call is one
// transactional unit: it either returns a result or an error for the batch.
type Catalog interface {
	Submit(ctx context.Context, collection string, items map[string]*Item, method Method) (*SubmitResult, error)
}

// ListFilter selects jobs for listing. Page is zero-based.
type ListFilter struct {
	Status   JobStatus
	Page     int
	PageSize int
}

// JobStore persists jobs so status survives restarts.
type JobStore interface {
	// Migrate creates the necessary tables.
	Migrate(ctx context.Context) error

	// SaveJob writes the job row. Files are not touched.
	SaveJob(ctx context.Context, job *Job) error

	// SaveFiles upserts the given file rows of a job.
	SaveFiles(ctx context.Context, jobID string, files []FileTask) error

	// Queries
	GetJob(ctx context.Context, id string, details bool) (*Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, int64, error)
	ActiveJobs(ctx context.Context) ([]*Job, error)

	// FindIngested reports whether another job already ingested the same
	// source (same location, size and ETag) successfully.
	FindIngested(ctx context.Context, src Source, excludeJobID string) (bool, error)

	// DeleteCompletedBefore removes terminal jobs finished before cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
