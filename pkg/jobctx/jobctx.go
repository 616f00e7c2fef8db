// Package jobctx carries the job and file being processed through a
// context.Context so log lines can be correlated.
package jobctx

import (
	"context"
	"log/slog"
)

type jobKey struct{}

type fileKey struct{}

// File identifies the source file being processed.
type File struct {
	Index    int
	Location string
}

// WithJob returns a context carrying jobID.
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey{}, jobID)
}

// WithFile returns a context carrying the file at index.
func WithFile(ctx context.Context, index int, location string) context.Context {
	return context.WithValue(ctx, fileKey{}, File{Index: index, Location: location})
}

// JobIDFromContext returns the current job ID, or an empty string outside a job.
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobKey{}).(string)
	return id
}

// FileFromContext returns the current file, if any.
func FileFromContext(ctx context.Context) (File, bool) {
	f, ok := ctx.Value(fileKey{}).(File)
	return f, ok
}

// Logger returns l annotated with the job and file carried by ctx.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	var attrs []any
	if id := JobIDFromContext(ctx); id != "" {
		attrs = append(attrs, "job_id", id)
	}
	if f, ok := FileFromContext(ctx); ok {
		attrs = append(attrs, "index", f.Index, "location", f.Location)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
