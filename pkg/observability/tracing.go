package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys.
const (
	AttrJobID      = "ingest.job_id"
	AttrFileIndex  = "ingest.file.index"
	AttrLocation   = "ingest.file.location"
	AttrCollection = "ingest.collection"
	AttrMethod     = "ingest.method"
	AttrStatus     = "ingest.status"
	AttrErrorKind  = "ingest.error_kind"
	AttrFailed     = "ingest.failed"
	AttrBatch      = "ingest.batch"
)

// Tracer wraps an OpenTelemetry tracer with ingest span helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer. A nil provider uses the global one.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// NewNoopTracer creates a tracer that does nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: tracenoop.NewTracerProvider().Tracer("")}
}

// StartJob starts the root span of a job run.
func (t *Tracer) StartJob(ctx context.Context, jobID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "ingest.job", trace.WithAttributes(attribute.String(AttrJobID, jobID)))
}

// StartFile starts a span for processing one file.
func (t *Tracer) StartFile(ctx context.Context, jobID string, index int, location string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "ingest.file", trace.WithAttributes(
		attribute.String(AttrJobID, jobID),
		attribute.Int(AttrFileIndex, index),
		attribute.String(AttrLocation, location),
	))
}

// StartBatch starts a span for one catalog submission.
func (t *Tracer) StartBatch(ctx context.Context, collection string, batch int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String(AttrCollection, collection),
		attribute.Int(AttrBatch, batch),
	))
}

// End finishes span, recording err when set.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
