package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB opens TEST_DATABASE_URL when set, otherwise a fresh in-memory
// SQLite database. PostgreSQL tables are emptied before and after each test.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := Open(dsn, WithLogLevel(logger.Silent), WithMaxOpenConns(2))
	require.NoError(t, err, "open test db")
	sqlDB, err := db.DB()
	require.NoError(t, err)

	if IsPostgresDSN(dsn) {
		truncate(db)
	}
	t.Cleanup(func() {
		if IsPostgresDSN(dsn) {
			truncate(db)
		}
		_ = sqlDB.Close()
	})
	return db
}

func truncate(db *gorm.DB) {
	for _, tbl := range []string{"file_tasks", "jobs", "catalog_items"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

func newTestJobStore(t *testing.T) *GormJobStore {
	t.Helper()
	s := NewGormJobStore(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

func newTestCatalog(t *testing.T, opts ...CatalogOption) *GormCatalog {
	t.Helper()
	c := NewGormCatalog(openTestDB(t), opts...)
	require.NoError(t, c.Migrate(context.Background()), "migrate catalog")
	return c
}
