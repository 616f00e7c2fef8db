package worker

import (
	"log/slog"

	"github.com/itslive/stac-ingest/pkg/security"
)

// DefaultConcurrency is the number of files processed at once when not configured.
const DefaultConcurrency = 2

// PoolOption configures a Pool.
type PoolOption interface {
	ApplyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) ApplyPool(c *PoolConfig) { f(c) }

// PoolConfig holds pool configuration.
type PoolConfig struct {
	Concurrency int
	Logger      *slog.Logger

	// OnPanic receives a task whose function panicked.
	OnPanic func(task Task, recovered error)
}

// Concurrency sets the number of files in flight.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.Logger = l
	})
}

// OnPanic registers a callback for recovered panics.
func OnPanic(fn func(task Task, recovered error)) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.OnPanic = fn
	})
}
