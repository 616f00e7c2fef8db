package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/itslive/stac-ingest/pkg/core"
)

// RetryConfig holds configuration for retry with backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts (including initial).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64

	// OnRetry, when set, is called before each backoff wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// NoRetryConfig makes a single attempt.
func NoRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 1
	return cfg
}

// Delay returns the wait before retry number attempt (1-based), without
// jitter. It grows by BackoffMultiplier and is capped at MaxBackoff.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for range attempt - 1 {
		d *= c.BackoffMultiplier
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

func (c RetryConfig) jittered(attempt int) time.Duration {
	d := c.Delay(attempt)
	if c.JitterFraction <= 0 || d <= 0 {
		return d
	}
	j := d + time.Duration(float64(d)*c.JitterFraction*(rand.Float64()*2-1))
	if j < 0 {
		return d
	}
	return j
}

// Retry runs operation until it succeeds, returns an error IsRetryableError
// rejects, or MaxAttempts is reached. The last error is returned unchanged;
// a cancelled ctx during backoff returns ctx.Err().
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	attempts := max(config.MaxAttempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if err = operation(); err == nil {
			return nil
		}
		if attempt >= attempts || !IsRetryableError(err) {
			return err
		}

		wait := config.jittered(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryableError reports whether err may succeed on another attempt.
// Cancellation, NoRetry-wrapped errors and the permanent ingest failures
// (size limit, duplicate ids, unsupported schemes) are not retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		return false
	}
	for _, permanent := range []error{core.ErrSizeExceeded, core.ErrItemExists, core.ErrUnsupportedScheme} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
