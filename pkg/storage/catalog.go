package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/itslive/stac-ingest/pkg/core"
)

// IgnoreMode selects how insert_ignore treats ids that already exist.
type IgnoreMode int

const (
	// IgnorePerItem skips existing ids and writes the rest of the batch.
	IgnorePerItem IgnoreMode = iota
	// IgnoreAbortBatch rejects the whole batch when any id exists.
	IgnoreAbortBatch
)

// ReasonExists is the rejection reason for ids skipped by insert_ignore.
const ReasonExists = "already exists"

// CatalogItem is the stored form of a STAC item.
type CatalogItem struct {
	Collection    string     `gorm:"primaryKey;size:255"`
	ID            string     `gorm:"primaryKey;size:255"`
	Geometry      string     `gorm:"type:text"`
	BBox          []float64  `gorm:"column:bbox;serializer:json"`
	Datetime      *time.Time `gorm:"index"`
	StartDatetime *time.Time `gorm:"index"`
	EndDatetime   *time.Time `gorm:"index"`
	Content       string     `gorm:"type:text"`
	ContentHash   string     `gorm:"size:16"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName returns the catalog table name.
func (CatalogItem) TableName() string {
	return "catalog_items"
}

// CatalogOption configures a GormCatalog.
type CatalogOption func(*GormCatalog)

// WithIgnoreMode sets insert_ignore collision semantics.
func WithIgnoreMode(mode IgnoreMode) CatalogOption {
	return func(c *GormCatalog) {
		c.ignoreMode = mode
	}
}

// WithCatalogLogger sets the logger.
func WithCatalogLogger(l *slog.Logger) CatalogOption {
	return func(c *GormCatalog) {
		c.logger = l
	}
}

// GormCatalog implements core.Catalog. Each Submit runs in one transaction.
type GormCatalog struct {
	db         *gorm.DB
	ignoreMode IgnoreMode
	logger     *slog.Logger
}

var _ core.Catalog = (*GormCatalog)(nil)

// NewGormCatalog creates a catalog on db.
func NewGormCatalog(db *gorm.DB, opts ...CatalogOption) *GormCatalog {
	c := &GormCatalog{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Migrate creates the catalog table.
func (c *GormCatalog) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&CatalogItem{})
}

// Submit writes one batch with the given method.
//
// insert fails the batch when any id exists. insert_ignore reports existing
// ids as rejected, or fails the batch under IgnoreAbortBatch. upsert
// overwrites existing ids and leaves unchanged content untouched.
// Collision failures are wrapped with core.NoRetry.
func (c *GormCatalog) Submit(ctx context.Context, collection string, items map[string]*core.Item, method core.Method) (*core.SubmitResult, error) {
	result := &core.SubmitResult{Rejected: map[string]string{}}
	if len(items) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := existingHashes(tx, collection, ids)
		if err != nil {
			return err
		}

		var rows []CatalogItem
		switch method {
		case core.MethodInsert:
			if len(existing) > 0 {
				return core.NoRetry(fmt.Errorf("%w: %d of %d ids in %s", core.ErrItemExists, len(existing), len(ids), collection))
			}
			rows = toRows(collection, ids, items)
			result.Accepted = ids
			return tx.CreateInBatches(rows, 100).Error

		case core.MethodInsertIgnore:
			if len(existing) > 0 && c.ignoreMode == IgnoreAbortBatch {
				return core.NoRetry(fmt.Errorf("%w: %d of %d ids in %s", core.ErrItemExists, len(existing), len(ids), collection))
			}
			fresh := make([]string, 0, len(ids))
			for _, id := range ids {
				if _, ok := existing[id]; ok {
					result.Rejected[id] = ReasonExists
					continue
				}
				fresh = append(fresh, id)
			}
			result.Accepted = fresh
			if len(fresh) == 0 {
				return nil
			}
			rows = toRows(collection, fresh, items)
			return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100).Error

		case core.MethodUpsert:
			all := toRows(collection, ids, items)
			for _, row := range all {
				if hash, ok := existing[row.ID]; ok && hash == row.ContentHash {
					continue
				}
				rows = append(rows, row)
			}
			result.Accepted = ids
			if len(rows) == 0 {
				return nil
			}
			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "collection"}, {Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"geometry", "bbox", "datetime", "start_datetime", "end_datetime",
					"content", "content_hash", "updated_at",
				}),
			}).CreateInBatches(rows, 100).Error
		}
		return core.NoRetry(fmt.Errorf("%w: %q", core.ErrUnknownMethod, method))
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("catalog batch committed",
		"collection", collection,
		"method", method,
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected))
	return result, nil
}

// Get returns one stored item.
func (c *GormCatalog) Get(ctx context.Context, collection, id string) (*CatalogItem, error) {
	var item CatalogItem
	err := c.db.WithContext(ctx).First(&item, "collection = ? AND id = ?", collection, id).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Count returns the number of stored items in a collection.
func (c *GormCatalog) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&CatalogItem{}).Where("collection = ?", collection).Count(&n).Error
	return n, err
}

func existingHashes(tx *gorm.DB, collection string, ids []string) (map[string]string, error) {
	var rows []struct {
		ID          string
		ContentHash string
	}
	err := tx.Model(&CatalogItem{}).
		Select("id", "content_hash").
		Where("collection = ? AND id IN ?", collection, ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.ContentHash
	}
	return out, nil
}

func toRows(collection string, ids []string, items map[string]*core.Item) []CatalogItem {
	rows := make([]CatalogItem, 0, len(ids))
	for _, id := range ids {
		it := items[id]
		rows = append(rows, CatalogItem{
			Collection:    collection,
			ID:            id,
			Geometry:      string(it.Geometry),
			BBox:          it.BBox,
			Datetime:      it.Datetime,
			StartDatetime: it.StartDatetime,
			EndDatetime:   it.EndDatetime,
			Content:       string(it.Raw),
			ContentHash:   contentHash(it.Raw),
		})
	}
	return rows
}

func contentHash(raw []byte) string {
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}
