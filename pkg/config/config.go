// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/itslive/stac-ingest/pkg/engine"
	"github.com/itslive/stac-ingest/pkg/objstore"
)

// Config holds all configuration values.
type Config struct {
	// Engine
	MaxConcurrentFiles int
	MaxFileSizeMB      int64
	TmpDir             string
	BatchSize          int
	FetchTimeout       time.Duration
	SubmitTimeout      time.Duration
	MaxActiveJobs      int
	SkipIngested       bool
	StrictCollections  bool
	JobRetention       time.Duration
	SweepSchedule      string
	CollectionsFile    string

	// Databases
	DatabaseURL      string
	StateDatabaseURL string
	DBMaxOpenConns   int

	// Object storage
	AWSRegion   string
	S3Endpoint  string
	S3Anonymous bool
	GCSEnabled  bool

	// HTTP
	ListenAddr      string
	RateLimit       int
	RateLimitWindow time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	p := &parser{}
	cfg := Config{
		MaxConcurrentFiles: p.int("MAX_CONCURRENT_FILES", 2),
		MaxFileSizeMB:      int64(p.int("MAX_FILE_SIZE_MB", 1500)),
		TmpDir:             getEnv("TMP_DIR", "/tmp/shared"),
		BatchSize:          p.int("BATCH_SIZE", 500),
		FetchTimeout:       p.duration("FETCH_TIMEOUT", 30*time.Minute),
		SubmitTimeout:      p.duration("SUBMIT_TIMEOUT", 2*time.Minute),
		MaxActiveJobs:      p.int("MAX_ACTIVE_JOBS", 1),
		SkipIngested:       p.bool("SKIP_INGESTED", false),
		StrictCollections:  p.bool("STRICT_COLLECTIONS", false),
		JobRetention:       p.duration("JOB_RETENTION", 720*time.Hour),
		SweepSchedule:      getEnv("SWEEP_SCHEDULE", "@every 1h"),
		CollectionsFile:    getEnv("COLLECTIONS_FILE", ""),

		DatabaseURL:    getEnv("DATABASE_URL", "stac-ingest.db"),
		DBMaxOpenConns: p.int("DB_MAX_OPEN_CONNS", 0),

		AWSRegion:   getEnv("AWS_REGION", "us-west-2"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Anonymous: p.bool("S3_ANONYMOUS", true),
		GCSEnabled:  p.bool("GCS_ENABLED", false),

		ListenAddr:      getEnv("LISTEN_ADDR", ":8000"),
		RateLimit:       p.int("RATE_LIMIT", 30),
		RateLimitWindow: p.duration("RATE_LIMIT_WINDOW", time.Minute),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
	}
	cfg.StateDatabaseURL = getEnv("STATE_DATABASE_URL", cfg.DatabaseURL)

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

// Engine returns the engine configuration.
func (c Config) Engine() engine.Config {
	return engine.Config{
		MaxConcurrentFiles: c.MaxConcurrentFiles,
		MaxFileSize:        c.MaxFileSizeMB << 20,
		TmpDir:             c.TmpDir,
		BatchSize:          c.BatchSize,
		FetchTimeout:       c.FetchTimeout,
		SubmitTimeout:      c.SubmitTimeout,
		MaxActiveJobs:      c.MaxActiveJobs,
		SkipIngested:       c.SkipIngested,
		StrictCollections:  c.StrictCollections,
		Retention:          c.JobRetention,
		SweepSchedule:      c.SweepSchedule,
	}
}

// S3 returns the S3 client options. Credentials come from the standard AWS
// environment unless the bucket is read anonymously.
func (c Config) S3() objstore.S3Options {
	return objstore.S3Options{
		Region:          c.AWSRegion,
		Endpoint:        c.S3Endpoint,
		Anonymous:       c.S3Anonymous,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// parser records the first malformed value.
type parser struct {
	err error
}

func (p *parser) fail(key, val string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: invalid %s=%q: %w", key, val, err)
	}
}

func (p *parser) int(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return n
}

func (p *parser) bool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return b
}

func (p *parser) duration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
