package observability

import (
	"context"

	servertiming "github.com/mitchellh/go-server-timing"
)

// TimingMetric is a running Server-Timing metric. The zero value is a no-op.
type TimingMetric struct {
	metric *servertiming.Metric
}

// Stop stops the metric.
func (m *TimingMetric) Stop() {
	if m != nil && m.metric != nil {
		m.metric.Stop()
	}
}

// StartTiming starts a Server-Timing metric on the request timing carried by
// ctx. Without timing in ctx it returns a no-op metric.
func StartTiming(ctx context.Context, name, desc string) *TimingMetric {
	timing := servertiming.FromContext(ctx)
	if timing == nil {
		return &TimingMetric{}
	}
	m := timing.NewMetric(name)
	if desc != "" {
		m = m.WithDesc(desc)
	}
	return &TimingMetric{metric: m.Start()}
}
