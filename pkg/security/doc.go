// Package security provides validation, sanitization, and limits for ingest requests.
//
// This package includes:
//   - Request shape validation (bucket, prefix, URL, collection id, year)
//   - Error message sanitization before errors are stored on jobs
//   - Clamping functions for concurrency and batch size
//
// Most users should import the root package github.com/itslive/stac-ingest
// which re-exports the common entry points.
package security
