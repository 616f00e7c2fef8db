// Package tracker owns the lifecycle of ingest jobs.
//
// Every job has a single writer: events for one job are applied in order
// under that job's lock. Terminal states are sticky and later events are
// discarded.
package tracker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/observability"
	"github.com/itslive/stac-ingest/pkg/security"
	"github.com/itslive/stac-ingest/pkg/worker"
)

// Defaults.
const (
	DefaultMaxActiveJobs = 1
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultPageSize      = 10
)

// NewJobID returns a time-ordered job identifier.
func NewJobID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore persists jobs to store.
func WithStore(store core.JobStore) Option {
	return func(t *Tracker) {
		t.store = store
	}
}

// WithMaxActiveJobs limits how many jobs may be non-terminal at once.
// Zero or less disables the limit.
func WithMaxActiveJobs(n int) Option {
	return func(t *Tracker) {
		t.maxActive = n
	}
}

// WithRetention sets how long terminal jobs are kept.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		t.retention = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithStoreRetry sets the retry policy for job store writes.
func WithStoreRetry(cfg worker.RetryConfig) Option {
	return func(t *Tracker) {
		t.retry = cfg
	}
}

// Tracker holds live jobs and applies progress events to them.
type Tracker struct {
	store     core.JobStore
	maxActive int
	retention time.Duration
	retry     worker.RetryConfig
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu   sync.RWMutex
	jobs map[string]*entry

	subsMu  sync.Mutex
	subs    map[int]chan *core.Job
	nextSub int
}

type entry struct {
	mu         sync.Mutex
	job        *core.Job
	enumerated bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		maxActive: DefaultMaxActiveJobs,
		retention: DefaultRetention,
		retry:     worker.DefaultRetryConfig(),
		logger:    slog.Default(),
		jobs:      make(map[string]*entry),
		subs:      make(map[int]chan *core.Job),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = observability.NewNoopMetrics()
	}
	return t
}

// Create registers a pending job for req and returns a snapshot together
// with the job's context, which is cancelled when the job is cancelled or
// reaches a terminal state.
func (t *Tracker) Create(ctx context.Context, req core.Request) (*core.Job, context.Context, error) {
	now := time.Now().UTC()
	job := &core.Job{
		ID:        NewJobID(),
		Status:    core.StatusPending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	if t.maxActive > 0 && t.activeLocked() >= t.maxActive {
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: limit is %d", core.ErrTooManyActiveJobs, t.maxActive)
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{job: job, cancel: cancel, done: make(chan struct{})}
	t.jobs[job.ID] = e
	t.mu.Unlock()

	e.mu.Lock()
	t.persist(e, nil, true)
	snapshot := job.Clone(false)
	e.mu.Unlock()

	t.logger.Info("job created", "job_id", job.ID, "request", req)
	t.broadcast(snapshot)
	return snapshot, jobCtx, nil
}

func (t *Tracker) activeLocked() int {
	n := 0
	for _, e := range t.jobs {
		e.mu.Lock()
		if !e.job.Status.IsTerminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Active returns the number of non-terminal jobs.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeLocked()
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.jobs[id]
}

// Apply applies one progress event. Events for unknown or terminal jobs are
// discarded.
func (t *Tracker) Apply(ev core.Event) {
	e := t.lookup(ev.JobID())
	if e == nil {
		t.logger.Debug("event for unknown job", "job_id", ev.JobID())
		return
	}

	e.mu.Lock()
	if e.job.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}

	var changed []int
	switch ev := ev.(type) {
	case *core.EnumerationCompleted:
		changed = t.enumerationCompleted(e, ev)
	case *core.EnumerationFailed:
		msg := "enumeration failed"
		if ev.Err != nil {
			msg = security.SanitizeErrorMessage(ev.Err.Error())
		}
		t.finalize(e, core.StatusFailed, msg, ev.Timestamp)
	case *core.FileStarted:
		changed = t.fileStarted(e, ev)
	case *core.BatchCommitted:
		changed = t.batchCommitted(e, ev)
	case *core.FileFinished:
		changed = t.fileFinished(e, ev)
	}

	e.job.UpdatedAt = eventTime(ev)
	t.persist(e, changed, false)
	snapshot := e.job.Clone(false)
	e.mu.Unlock()

	t.broadcast(snapshot)
}

func (t *Tracker) enumerationCompleted(e *entry, ev *core.EnumerationCompleted) []int {
	job := e.job
	job.Files = make([]core.FileTask, len(ev.Files))
	copy(job.Files, ev.Files)
	e.enumerated = true

	s := &job.Summary
	s.TotalFiles = len(job.Files)
	changed := make([]int, 0, len(job.Files))
	for i := range job.Files {
		f := &job.Files[i]
		f.JobID = job.ID
		changed = append(changed, i)
		switch f.Status {
		case core.FileFailed:
			s.Processed++
			s.Failed++
		case core.FileSucceeded:
			s.Processed++
			s.Succeeded++
		}
	}
	recompute(s)

	t.logger.Info("enumeration completed", "job_id", job.ID, "files", s.TotalFiles, "prefailed", s.Failed)
	t.settle(e, ev.Timestamp)
	return changed
}

func (t *Tracker) fileStarted(e *entry, ev *core.FileStarted) []int {
	f := e.file(ev.Index)
	if f == nil || f.Status.IsTerminal() {
		return nil
	}
	ts := ev.Timestamp.UTC()
	f.Status = core.FileProcessing
	f.StartedAt = &ts

	if e.enumerated && e.job.Status == core.StatusPending {
		e.job.Status = core.StatusProcessing
		t.logger.Info("job processing", "job_id", e.job.ID)
	}
	return []int{ev.Index}
}

func (t *Tracker) batchCommitted(e *entry, ev *core.BatchCommitted) []int {
	f := e.file(ev.Index)
	if f == nil || f.Status.IsTerminal() {
		return nil
	}
	f.ItemsProcessed += int64(ev.Items)
	f.ItemsSkipped += int64(ev.Skipped)
	f.Batches++
	e.job.Summary.ItemsProcessed += int64(ev.Items)
	return []int{ev.Index}
}

func (t *Tracker) fileFinished(e *entry, ev *core.FileFinished) []int {
	f := e.file(ev.Index)
	if f == nil || f.Status.IsTerminal() {
		return nil
	}
	r := ev.Result
	s := &e.job.Summary

	s.ItemsProcessed += r.ItemsProcessed - f.ItemsProcessed
	ts := ev.Timestamp.UTC()
	f.Status = r.Status
	f.Skipped = r.Skipped
	f.ItemsProcessed = r.ItemsProcessed
	f.ItemsSkipped = r.ItemsSkipped
	f.DecodeFailures = r.DecodeFailures
	f.DecodeErrors = append([]string(nil), r.DecodeErrors...)
	f.Batches = r.Batches
	f.CompletedAt = &ts
	if f.StartedAt == nil {
		f.StartedAt = &ts
	}
	if r.Err != nil {
		f.ErrorKind = core.KindOf(r.Err)
		f.Error = security.SanitizeErrorMessage(r.Err.Error())
	}

	s.Processed++
	if f.Status == core.FileSucceeded {
		s.Succeeded++
		if f.Skipped {
			s.Skipped++
		}
	} else {
		s.Failed++
	}
	recompute(s)

	t.settle(e, ev.Timestamp)
	return []int{ev.Index}
}

// settle moves the job to a terminal state once every file is terminal.
func (t *Tracker) settle(e *entry, at time.Time) {
	s := e.job.Summary
	if !e.enumerated || s.Processed < s.TotalFiles {
		return
	}
	if s.TotalFiles == 0 || s.Succeeded > 0 {
		t.finalize(e, core.StatusCompleted, "", at)
		return
	}
	t.finalize(e, core.StatusFailed, fmt.Sprintf("all %d files failed", s.TotalFiles), at)
}

func (t *Tracker) finalize(e *entry, status core.JobStatus, msg string, at time.Time) {
	ts := at.UTC()
	e.job.Status = status
	e.job.Error = msg
	e.job.CompletedAt = &ts
	e.cancel()
	close(e.done)

	t.metrics.RecordJob(context.Background(), string(status))
	t.logger.Info("job finished",
		"job_id", e.job.ID,
		"status", status,
		"files", e.job.Summary.TotalFiles,
		"succeeded", e.job.Summary.Succeeded,
		"failed", e.job.Summary.Failed,
		"items", e.job.Summary.ItemsProcessed,
		"error", msg)
}

func (e *entry) file(index int) *core.FileTask {
	if index < 0 || index >= len(e.job.Files) {
		return nil
	}
	return &e.job.Files[index]
}

func recompute(s *core.Summary) {
	if s.TotalFiles == 0 {
		s.Progress = 0
		return
	}
	s.Progress = math.Round(float64(s.Processed)/float64(s.TotalFiles)*10000) / 100
}

func eventTime(ev core.Event) time.Time {
	var ts time.Time
	switch ev := ev.(type) {
	case *core.EnumerationCompleted:
		ts = ev.Timestamp
	case *core.EnumerationFailed:
		ts = ev.Timestamp
	case *core.FileStarted:
		ts = ev.Timestamp
	case *core.BatchCommitted:
		ts = ev.Timestamp
	case *core.FileFinished:
		ts = ev.Timestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC()
}

// Cancel cancels a non-terminal job. Files in flight stop at their next
// batch boundary; committed batches stay. Cancelling a terminal job returns
// its snapshot with core.ErrJobTerminal.
func (t *Tracker) Cancel(ctx context.Context, id string) (*core.Job, error) {
	e := t.lookup(id)
	if e == nil {
		job, err := t.stored(ctx, id, false)
		if err != nil {
			return nil, err
		}
		return job, core.ErrJobTerminal
	}

	e.mu.Lock()
	if e.job.Status.IsTerminal() {
		snapshot := e.job.Clone(false)
		e.mu.Unlock()
		return snapshot, core.ErrJobTerminal
	}
	now := time.Now().UTC()
	t.finalize(e, core.StatusCancelled, "", now)
	e.job.UpdatedAt = now
	t.persist(e, nil, false)
	snapshot := e.job.Clone(false)
	e.mu.Unlock()

	t.broadcast(snapshot)
	return snapshot, nil
}

// CancelAll cancels every non-terminal job and returns how many it cancelled.
func (t *Tracker) CancelAll() int {
	t.mu.RLock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if _, err := t.Cancel(context.Background(), id); err == nil {
			n++
		}
	}
	return n
}

// Get returns a snapshot of a job, with file details when details is true.
func (t *Tracker) Get(ctx context.Context, id string, details bool) (*core.Job, error) {
	if e := t.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job.Clone(details), nil
	}
	return t.stored(ctx, id, details)
}

func (t *Tracker) stored(ctx context.Context, id string, details bool) (*core.Job, error) {
	if t.store == nil {
		return nil, core.ErrJobNotFound
	}
	return t.store.GetJob(ctx, id, details)
}

// Done returns a channel closed when the job reaches a terminal state.
// Unknown jobs return a closed channel.
func (t *Tracker) Done(id string) <-chan struct{} {
	if e := t.lookup(id); e != nil {
		return e.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Wait blocks until the job is terminal or ctx is done.
func (t *Tracker) Wait(ctx context.Context, id string, details bool) (*core.Job, error) {
	select {
	case <-t.Done(id):
		return t.Get(ctx, id, details)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns jobs newest first. With a store the listing covers every
// persisted job; otherwise only jobs held in memory.
func (t *Tracker) List(ctx context.Context, filter core.ListFilter) ([]*core.Job, int64, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.Page < 0 {
		filter.Page = 0
	}
	if t.store != nil {
		return t.store.ListJobs(ctx, filter)
	}

	t.mu.RLock()
	jobs := make([]*core.Job, 0, len(t.jobs))
	for _, e := range t.jobs {
		e.mu.Lock()
		if filter.Status == "" || e.job.Status == filter.Status {
			jobs = append(jobs, e.job.Clone(false))
		}
		e.mu.Unlock()
	}
	t.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *core.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	total := int64(len(jobs))
	start := min(filter.Page*filter.PageSize, len(jobs))
	end := min(start+filter.PageSize, len(jobs))
	return jobs[start:end], total, nil
}

// Recover marks jobs left non-terminal by a previous process as failed with
// kind interrupted. It returns how many jobs were recovered.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	active, err := t.store.ActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	n := 0
	for _, stale := range active {
		if t.lookup(stale.ID) != nil {
			continue
		}
		job, err := t.store.GetJob(ctx, stale.ID, true)
		if err != nil {
			return n, err
		}

		now := time.Now().UTC()
		var changed []core.FileTask
		for i := range job.Files {
			f := &job.Files[i]
			if f.Status.IsTerminal() {
				continue
			}
			f.Status = core.FileFailed
			f.ErrorKind = core.KindInterrupted
			f.Error = "interrupted by restart"
			f.CompletedAt = &now
			job.Summary.Processed++
			job.Summary.Failed++
			changed = append(changed, *f)
		}
		recompute(&job.Summary)
		job.Status = core.StatusFailed
		job.Error = "interrupted by restart"
		job.UpdatedAt = now
		job.CompletedAt = &now

		if err := t.store.SaveJob(ctx, job); err != nil {
			return n, fmt.Errorf("save recovered job %s: %w", job.ID, err)
		}
		if len(changed) > 0 {
			if err := t.store.SaveFiles(ctx, job.ID, changed); err != nil {
				return n, fmt.Errorf("save recovered files of %s: %w", job.ID, err)
			}
		}
		t.logger.Warn("recovered interrupted job", "job_id", job.ID, "files", len(changed))
		n++
	}
	return n, nil
}

// Sweep removes terminal jobs completed before the retention window, both
// from memory and from the store.
func (t *Tracker) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-t.retention)

	var removed int64
	t.mu.Lock()
	for id, e := range t.jobs {
		e.mu.Lock()
		expired := e.job.Status.IsTerminal() && e.job.CompletedAt != nil && e.job.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(t.jobs, id)
			removed++
		}
	}
	t.mu.Unlock()

	if t.store != nil {
		n, err := t.store.DeleteCompletedBefore(ctx, cutoff)
		if err != nil {
			return removed, fmt.Errorf("sweep job store: %w", err)
		}
		removed = max(removed, n)
	}
	if removed > 0 {
		t.logger.Info("swept expired jobs", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Subscribe returns a channel of job snapshots taken after every change.
// Snapshots are dropped when the channel is full. The returned function
// unsubscribes and closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan *core.Job, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *core.Job, buffer)

	t.subsMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			t.subsMu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) broadcast(job *core.Job) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- job:
		default:
		}
	}
}

// persist writes the job row and the changed files. Writes for one job are
// serialized by the caller holding the entry lock. Failures are logged.
func (t *Tracker) persist(e *entry, changed []int, created bool) {
	if t.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job := e.job
	err := worker.Retry(ctx, t.retry, func() error {
		return t.store.SaveJob(ctx, job)
	})
	if err == nil && len(changed) > 0 {
		files := make([]core.FileTask, 0, len(changed))
		for _, i := range changed {
			files = append(files, job.Files[i])
		}
		err = worker.Retry(ctx, t.retry, func() error {
			return t.store.SaveFiles(ctx, job.ID, files)
		})
	}
	if err != nil {
		t.logger.Error("failed to persist job", "job_id", job.ID, "created", created, "error", err)
	}
}
