// Package core provides the fundamental types and interfaces for the ingest engine.
//
// This package contains:
//   - Job, FileTask and Summary models with GORM annotations
//   - Item, the decoded STAC record
//   - Progress event types consumed by the job tracker
//   - Catalog and JobStore interfaces for the storage boundary
//   - Error types for enumeration, fetch, decode and gateway failures
//
// Most users should import the root package github.com/itslive/stac-ingest
// instead of this package directly.
package core
