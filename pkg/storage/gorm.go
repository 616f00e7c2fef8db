package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/security"
)

// DefaultPageSize is used by ListJobs when the filter does not set one.
const DefaultPageSize = 10

// GormJobStore implements core.JobStore using GORM.
type GormJobStore struct {
	db *gorm.DB
}

var _ core.JobStore = (*GormJobStore)(nil)

// NewGormJobStore creates a new GORM-backed job store.
func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

// DB returns the underlying connection.
func (s *GormJobStore) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormJobStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.FileTask{})
}

// SaveJob inserts or updates the job row. Files are saved separately.
// Error messages are sanitized before storage.
func (s *GormJobStore) SaveJob(ctx context.Context, job *core.Job) error {
	row := *job
	row.Files = nil
	row.Error = security.SanitizeErrorMessage(row.Error)
	return s.db.WithContext(ctx).
		Omit(clause.Associations).
		Save(&row).Error
}

// SaveFiles upserts file rows keyed by (job_id, seq).
func (s *GormJobStore) SaveFiles(ctx context.Context, jobID string, files []core.FileTask) error {
	if len(files) == 0 {
		return nil
	}
	rows := make([]core.FileTask, len(files))
	for i, f := range files {
		f.JobID = jobID
		f.Error = security.SanitizeErrorMessage(f.Error)
		rows[i] = f
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(rows, 200).Error
}

// GetJob retrieves a job by ID, with its files when details is true.
func (s *GormJobStore) GetJob(ctx context.Context, id string, details bool) (*core.Job, error) {
	q := s.db.WithContext(ctx)
	if details {
		q = q.Preload("Files", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq ASC")
		})
	}

	var job core.Job
	err := q.First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns one page of jobs, newest first, and the total match count.
func (s *GormJobStore) ListJobs(ctx context.Context, filter core.ListFilter) ([]*core.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&core.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	size := filter.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := max(filter.Page, 0)

	var jobs []*core.Job
	err := q.Order("created_at DESC").
		Offset(page * size).
		Limit(size).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ActiveJobs returns non-terminal jobs with their files.
func (s *GormJobStore) ActiveJobs(ctx context.Context) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq ASC")
		}).
		Where("status IN ?", []core.JobStatus{core.StatusPending, core.StatusProcessing}).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// FindIngested reports whether a file with the same location, size and ETag
// succeeded in a job other than excludeJobID.
func (s *GormJobStore) FindIngested(ctx context.Context, src core.Source, excludeJobID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.FileTask{}).
		Where(&core.FileTask{Source: src, Status: core.FileSucceeded}).
		Where("job_id <> ?", excludeJobID).
		Count(&count).Error
	return count > 0, err
}

// DeleteCompletedBefore removes terminal jobs and their files completed before cutoff.
func (s *GormJobStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&core.Job{}).
			Where("status IN ?", []core.JobStatus{core.StatusCompleted, core.StatusFailed, core.StatusCancelled}).
			Where("completed_at < ?", cutoff).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}

		if err := tx.Where("job_id IN ?", ids).Delete(&core.FileTask{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&core.Job{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}
