// Package worker provides the bounded file pool and retry helpers.
//
// This package includes:
//   - Pool: runs file tasks in order with a concurrency ceiling
//   - PoolOption: configuration options for pools
//   - Retry: exponential backoff with jitter for transient failures
package worker
