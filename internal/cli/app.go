package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gorm.io/gorm"

	"github.com/itslive/stac-ingest/pkg/collection"
	"github.com/itslive/stac-ingest/pkg/config"
	"github.com/itslive/stac-ingest/pkg/engine"
	"github.com/itslive/stac-ingest/pkg/objstore"
	"github.com/itslive/stac-ingest/pkg/observability"
	"github.com/itslive/stac-ingest/pkg/storage"
)

// app holds the wired engine and the resources it owns.
type app struct {
	engine      *engine.Engine
	catalogDB   *gorm.DB
	jobs        *storage.GormJobStore
	collections *collection.Registry
	closers     []func() error
}

func loadCollections(c config.Config) (*collection.Registry, error) {
	if c.CollectionsFile == "" {
		return collection.Default(), nil
	}
	return collection.Load(c.CollectionsFile)
}

// openDatabases opens the catalog and job state databases. They share one
// connection when both URLs are equal.
func openDatabases(c config.Config, metrics *observability.Metrics) (catalogDB, stateDB *gorm.DB, closers []func() error, err error) {
	open := func(dsn string) (*gorm.DB, error) {
		db, err := storage.Open(dsn, storage.WithMaxOpenConns(c.DBMaxOpenConns))
		if err != nil {
			return nil, err
		}
		if err := observability.RegisterGORMCallbacks(db, metrics); err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		closers = append(closers, sqlDB.Close)
		return db, nil
	}

	if catalogDB, err = open(c.DatabaseURL); err != nil {
		return nil, nil, nil, fmt.Errorf("catalog database: %w", err)
	}
	stateDB = catalogDB
	if c.StateDatabaseURL != c.DatabaseURL {
		if stateDB, err = open(c.StateDatabaseURL); err != nil {
			return nil, nil, closers, fmt.Errorf("state database: %w", err)
		}
	}
	return catalogDB, stateDB, closers, nil
}

func newApp(ctx context.Context, c config.Config, log *slog.Logger) (*app, error) {
	metrics := observability.NewMetrics(nil)
	a := &app{}

	catalogDB, stateDB, closers, err := openDatabases(c, metrics)
	a.closers = closers
	if err != nil {
		return nil, errors.Join(err, a.close())
	}
	a.catalogDB = catalogDB

	catalog := storage.NewGormCatalog(catalogDB, storage.WithCatalogLogger(log))
	if err := catalog.Migrate(ctx); err != nil {
		return nil, errors.Join(err, a.close())
	}
	a.jobs = storage.NewGormJobStore(stateDB)
	if err := a.jobs.Migrate(ctx); err != nil {
		return nil, errors.Join(err, a.close())
	}

	if a.collections, err = loadCollections(c); err != nil {
		return nil, errors.Join(err, a.close())
	}

	s3Store, err := objstore.NewS3Store(ctx, c.S3())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("s3: %w", err), a.close())
	}
	opts := []engine.Option{
		engine.WithObjectStore("s3", s3Store),
		engine.WithJobStore(a.jobs),
		engine.WithCollections(a.collections),
		engine.WithLogger(log),
		engine.WithMetrics(metrics),
		engine.WithTracer(observability.NewTracer(nil)),
	}
	if c.GCSEnabled {
		gcs, err := objstore.NewGCSStore(ctx, os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "")
		if err != nil {
			return nil, errors.Join(fmt.Errorf("gcs: %w", err), a.close())
		}
		a.closers = append(a.closers, gcs.Close)
		opts = append(opts, engine.WithObjectStore("gs", gcs))
	}

	if a.engine, err = engine.New(catalog, c.Engine(), opts...); err != nil {
		return nil, errors.Join(err, a.close())
	}
	return a, nil
}

// shutdown stops the engine, then releases databases and clients.
func (a *app) shutdown(ctx context.Context) error {
	var err error
	if a.engine != nil {
		err = a.engine.Close(ctx)
	}
	return errors.Join(err, a.close())
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ping checks the catalog database connection.
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.catalogDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
