// Package storage provides GORM-backed persistence for the ingest engine.
//
// This package includes:
//   - GormJobStore: job and file task persistence implementing core.JobStore
//   - GormCatalog: the catalog write boundary implementing core.Catalog
//   - Open: database connection by DSN (PostgreSQL or SQLite) with pooling
//
// Most users should import the root package github.com/itslive/stac-ingest
// which re-exports the constructors.
package storage
