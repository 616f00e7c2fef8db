package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/itslive/stac-ingest/pkg/collection"
)

// Option configures the API handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	middleware  func(http.Handler) http.Handler
	collections *collection.Registry
	dbCheck     func(context.Context) error
	logger      *slog.Logger
	rateLimit   *clientLimiters
}

// WithMiddleware wraps the handler with middleware (auth, logging, etc.).
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) {
		c.middleware = mw
	})
}

// WithCollections exposes the collection registry on GET /collections.
func WithCollections(r *collection.Registry) Option {
	return optionFunc(func(c *config) {
		c.collections = r
	})
}

// WithDatabaseCheck enables GET /database, reporting the result of check.
func WithDatabaseCheck(check func(context.Context) error) Option {
	return optionFunc(func(c *config) {
		c.dbCheck = check
	})
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *config) {
		c.logger = l
	})
}

// WithRateLimit allows each client address n requests per window. Health
// probes and private or loopback addresses are not limited. Excess requests
// get 429. A non-positive n or per disables the limit.
func WithRateLimit(n int, per time.Duration) Option {
	return optionFunc(func(c *config) {
		if n <= 0 || per <= 0 {
			c.rateLimit = nil
			return
		}
		c.rateLimit = newClientLimiters(n, per)
	})
}
