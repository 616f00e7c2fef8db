package storage

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PoolConfig sizes the database/sql pool behind a gorm.DB.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration // zero keeps connections forever
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig suits a PostgreSQL catalog shared by a handful of file
// workers plus the job tracker.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// SQLitePoolConfig serializes access through one long-lived connection.
// SQLite allows a single writer and every ":memory:" connection is a
// separate database.
func SQLitePoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
}

// OpenOption adjusts how Open connects.
type OpenOption func(*openConfig)

type openConfig struct {
	pool     *PoolConfig
	maxOpen  int
	logLevel logger.LogLevel
}

// WithPool replaces the driver's default pool configuration.
func WithPool(p PoolConfig) OpenOption {
	return func(c *openConfig) {
		c.pool = &p
	}
}

// WithMaxOpenConns overrides only the open connection limit. Zero or less
// keeps the default. It is ignored for SQLite.
func WithMaxOpenConns(n int) OpenOption {
	return func(c *openConfig) {
		c.maxOpen = n
	}
}

// WithLogLevel sets the gorm log level. The default is Warn.
func WithLogLevel(level logger.LogLevel) OpenOption {
	return func(c *openConfig) {
		c.logLevel = level
	}
}

// IsPostgresDSN reports whether dsn names a PostgreSQL database.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// sqliteDSN adds a busy timeout and foreign keys to a SQLite path, plus WAL
// journaling for on-disk databases. Existing query parameters win.
func sqliteDSN(dsn string) string {
	params := []string{"_busy_timeout=5000", "_foreign_keys=on"}
	if !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		params = append(params, "_journal_mode=WAL")
	}

	base, query, _ := strings.Cut(dsn, "?")
	var extra []string
	for _, p := range params {
		key, _, _ := strings.Cut(p, "=")
		if !strings.Contains(query, key+"=") {
			extra = append(extra, p)
		}
	}
	if len(extra) == 0 {
		return dsn
	}
	if query != "" {
		extra = append([]string{query}, extra...)
	}
	return base + "?" + strings.Join(extra, "&")
}

// Open connects to dsn. PostgreSQL URLs and keyword DSNs use the postgres
// driver with DefaultPoolConfig; anything else is a SQLite path opened with
// SQLitePoolConfig.
func Open(dsn string, opts ...OpenOption) (*gorm.DB, error) {
	oc := &openConfig{logLevel: logger.Warn}
	for _, opt := range opts {
		opt(oc)
	}

	var (
		dialector gorm.Dialector
		pool      PoolConfig
	)
	if IsPostgresDSN(dsn) {
		dialector, pool = postgres.Open(dsn), DefaultPoolConfig()
		if oc.maxOpen > 0 {
			pool.MaxOpenConns = oc.maxOpen
			pool.MaxIdleConns = min(pool.MaxIdleConns, oc.maxOpen)
		}
	} else {
		dialector, pool = sqlite.Open(sqliteDSN(dsn)), SQLitePoolConfig()
	}
	if oc.pool != nil {
		pool = *oc.pool
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(oc.logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return db, nil
}
