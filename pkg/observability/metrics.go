// Package observability provides OpenTelemetry metrics and tracing for ingest jobs.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instrumentation scope names.
const (
	MeterName  = "github.com/itslive/stac-ingest"
	TracerName = "github.com/itslive/stac-ingest"
)

// Metrics holds the ingest metric instruments.
type Metrics struct {
	jobCount       metric.Int64Counter
	fileCount      metric.Int64Counter
	itemCount      metric.Int64Counter
	decodeFailures metric.Int64Counter
	batchDuration  metric.Float64Histogram
	batchSize      metric.Int64Histogram
	dbDuration     metric.Float64Histogram
}

// NewMetrics creates Metrics with the given MeterProvider. A nil provider uses
// the global one.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error

	m.jobCount, err = meter.Int64Counter(
		"ingest.job.count",
		metric.WithDescription("Jobs that reached a terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobCount, _ = meter.Int64Counter("ingest.job.count")
	}

	m.fileCount, err = meter.Int64Counter(
		"ingest.file.count",
		metric.WithDescription("Files that reached a terminal status"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		m.fileCount, _ = meter.Int64Counter("ingest.file.count")
	}

	m.itemCount, err = meter.Int64Counter(
		"ingest.item.count",
		metric.WithDescription("Items accepted by the catalog"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		m.itemCount, _ = meter.Int64Counter("ingest.item.count")
	}

	m.decodeFailures, err = meter.Int64Counter(
		"ingest.decode.failures",
		metric.WithDescription("NDJSON lines rejected by validation"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		m.decodeFailures, _ = meter.Int64Counter("ingest.decode.failures")
	}

	m.batchDuration, err = meter.Float64Histogram(
		"ingest.batch.duration",
		metric.WithDescription("Duration of catalog batch submissions in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.batchDuration, _ = meter.Float64Histogram("ingest.batch.duration")
	}

	m.batchSize, err = meter.Int64Histogram(
		"ingest.batch.size",
		metric.WithDescription("Number of items in a catalog batch"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		m.batchSize, _ = meter.Int64Histogram("ingest.batch.size")
	}

	m.dbDuration, err = meter.Float64Histogram(
		"ingest.db.duration",
		metric.WithDescription("Duration of database operations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.dbDuration, _ = meter.Float64Histogram("ingest.db.duration")
	}

	return m
}

// NewNoopMetrics creates metrics that do nothing.
func NewNoopMetrics() *Metrics {
	return NewMetrics(noop.NewMeterProvider())
}

// RecordJob records a job reaching a terminal status.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	m.jobCount.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStatus, status)))
}

// RecordFile records a file reaching a terminal status.
func (m *Metrics) RecordFile(ctx context.Context, status, errorKind string) {
	attrs := []attribute.KeyValue{attribute.String(AttrStatus, status)}
	if errorKind != "" {
		attrs = append(attrs, attribute.String(AttrErrorKind, errorKind))
	}
	m.fileCount.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBatch records one catalog submission.
func (m *Metrics) RecordBatch(ctx context.Context, collection, method string, size, accepted int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String(AttrCollection, collection),
		attribute.String(AttrMethod, method),
		attribute.Bool(AttrFailed, err != nil),
	)
	m.batchDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.batchSize.Record(ctx, int64(size), attrs)
	if accepted > 0 {
		m.itemCount.Add(ctx, int64(accepted), metric.WithAttributes(attribute.String(AttrCollection, collection)))
	}
}

// RecordDecodeFailures records rejected lines.
func (m *Metrics) RecordDecodeFailures(ctx context.Context, n int64) {
	if n > 0 {
		m.decodeFailures.Add(ctx, n)
	}
}

// RecordDB records one database operation.
func (m *Metrics) RecordDB(ctx context.Context, operation, table string, duration time.Duration) {
	m.dbDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("db.operation", operation),
		attribute.String("db.table", table),
	))
}
