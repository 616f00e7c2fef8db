// Package core provides the domain models and interfaces for the ingest engine.
package core

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current state of an ingest job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseJobStatus parses a status filter. "all" and "" return an empty status.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(strings.ToLower(s)) {
	case "", "all":
		return "", nil
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return JobStatus(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
}

// FileStatus represents the state of one source file within a job.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileSucceeded  FileStatus = "succeeded"
	FileFailed     FileStatus = "failed"
)

// IsTerminal reports whether the file has finished processing.
func (s FileStatus) IsTerminal() bool {
	return s == FileSucceeded || s == FileFailed
}

// Method is the write policy applied when an item identifier already exists.
type Method string

const (
	MethodInsert       Method = "insert"        // Fail the batch on any existing id
	MethodInsertIgnore Method = "insert_ignore" // Skip existing ids, write new ones
	MethodUpsert       Method = "upsert"        // Overwrite existing ids
)

// DefaultMethod is used when a request does not name a method.
const DefaultMethod = MethodInsertIgnore

// ParseMethod parses an upsert method name. An empty string yields DefaultMethod.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DefaultMethod, nil
	case MethodInsert, MethodInsertIgnore, MethodUpsert:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Request holds the parameters of a bulk ingest request.
// Either URL is set, or Bucket (with optional Prefix) is set.
type Request struct {
	Scheme       string `json:"scheme,omitempty" gorm:"size:16"`
	Bucket       string `json:"bucket,omitempty" gorm:"size:255"`
	Prefix       string `json:"prefix,omitempty" gorm:"size:1024"`
	Recursive    bool   `json:"recursive"`
	Year         int    `json:"year,omitempty"`
	URL          string `json:"url,omitempty" gorm:"size:2048"`
	CollectionID string `json:"collection_id,omitempty" gorm:"size:255"`
	Method       Method `json:"method,omitempty" gorm:"size:20"`
}

// IsURL reports whether the request targets a single NDJSON URL.
func (r Request) IsURL() bool {
	return r.URL != ""
}

// Summary aggregates file and item counters for a job.
type Summary struct {
	TotalFiles     int     `json:"total_files"`
	Processed      int     `json:"processed"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Skipped        int     `json:"skipped"`
	Progress       float64 `json:"progress"`
	ItemsProcessed int64   `json:"items_processed"`
}

// Source describes one file to ingest.
type Source struct {
	Scheme string `json:"scheme" gorm:"size:16"`
	Bucket string `json:"bucket,omitempty" gorm:"size:255"`
	Key    string `json:"key,omitempty" gorm:"size:1024"`
	URL    string `json:"url,omitempty" gorm:"size:2048"`
	Size   int64  `json:"size"` // -1 when unknown
	ETag   string `json:"etag,omitempty" gorm:"size:255"`
}

// Location returns a printable URI for the source.
func (s Source) Location() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Scheme + "://" + s.Bucket + "/" + s.Key
}

// FileTask tracks the processing of one source file.
type FileTask struct {
	JobID          string     `json:"-" gorm:"primaryKey;size:36"`
	Index          int        `json:"index" gorm:"column:seq;primaryKey;autoIncrement:false"`
	Source         Source     `json:"source" gorm:"embedded;embeddedPrefix:src_"`
	Status         FileStatus `json:"status" gorm:"size:20;index"`
	Skipped        bool       `json:"skipped,omitempty"`
	ItemsProcessed int64      `json:"items_processed"`
	ItemsSkipped   int64      `json:"items_skipped,omitempty"`
	DecodeFailures int64      `json:"decode_failures"`
	DecodeErrors   []string   `json:"decode_errors,omitempty" gorm:"serializer:json"`
	Batches        int        `json:"batches"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty" gorm:"size:32"`
	Error          string     `json:"error,omitempty" gorm:"type:text"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Job is one asynchronous bulk ingest request.
type Job struct {
	ID          string     `json:"job_id" gorm:"primaryKey;size:36"`
	Status      JobStatus  `json:"status" gorm:"index;size:20;default:'pending'"`
	Request     Request    `json:"parameters" gorm:"embedded;embeddedPrefix:req_"`
	Summary     Summary    `json:"summary" gorm:"embedded"`
	Error       string     `json:"error,omitempty" gorm:"type:text"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"index"`

	Files []FileTask `json:"files,omitempty" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
}

// Clone returns a deep copy. File details are copied only when details is true.
func (j *Job) Clone(details bool) *Job {
	c := *j
	c.Files = nil
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if details && len(j.Files) > 0 {
		c.Files = make([]FileTask, len(j.Files))
		for i, f := range j.Files {
			c.Files[i] = f.clone()
		}
	}
	return &c
}

func (f FileTask) clone() FileTask {
	c := f
	if f.DecodeErrors != nil {
		c.DecodeErrors = append([]string(nil), f.DecodeErrors...)
	}
	if f.StartedAt != nil {
		t := *f.StartedAt
		c.StartedAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
