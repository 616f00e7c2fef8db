package observability

import (
	"time"

	"gorm.io/gorm"
)

const (
	gormStartKey      = "ingest:gorm:start"
	gormCallbacksName = "ingest_metrics"
)

// RegisterGORMCallbacks records the duration of every create, query, update
// and delete on db into the ingest.db.duration histogram.
func RegisterGORMCallbacks(db *gorm.DB, m *Metrics) error {
	if m == nil {
		return nil
	}

	if err := db.Callback().Create().Before("gorm:create").Register(gormCallbacksName+":before_create", beforeOp); err != nil {
		return err
	}
	if err := db.Callback().Create().After("gorm:create").Register(gormCallbacksName+":after_create", afterOp(m, "INSERT")); err != nil {
		return err
	}

	if err := db.Callback().Query().Before("gorm:query").Register(gormCallbacksName+":before_query", beforeOp); err != nil {
		return err
	}
	if err := db.Callback().Query().After("gorm:query").Register(gormCallbacksName+":after_query", afterOp(m, "SELECT")); err != nil {
		return err
	}

	if err := db.Callback().Update().Before("gorm:update").Register(gormCallbacksName+":before_update", beforeOp); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register(gormCallbacksName+":after_update", afterOp(m, "UPDATE")); err != nil {
		return err
	}

	if err := db.Callback().Delete().Before("gorm:delete").Register(gormCallbacksName+":before_delete", beforeOp); err != nil {
		return err
	}
	if err := db.Callback().Delete().After("gorm:delete").Register(gormCallbacksName+":after_delete", afterOp(m, "DELETE")); err != nil {
		return err
	}

	return nil
}

func beforeOp(db *gorm.DB) {
	db.InstanceSet(gormStartKey, time.Now())
}

func afterOp(m *Metrics, operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(gormStartKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok || db.Statement == nil || db.Statement.Context == nil {
			return
		}
		m.RecordDB(db.Statement.Context, operation, db.Statement.Table, time.Since(start))
	}
}
