package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/objstore"
	"github.com/itslive/stac-ingest/pkg/storage"
	"github.com/itslive/stac-ingest/pkg/worker"
)

const gb = 1 << 30

var fastRetry = worker.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

type harness struct {
	engine  *Engine
	objects *objstore.Memory
	catalog *storage.GormCatalog
	jobs    *storage.GormJobStore
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	db := openDB(t)
	ctx := context.Background()

	h := &harness{
		objects: objstore.NewMemory(),
		catalog: storage.NewGormCatalog(db),
		jobs:    storage.NewGormJobStore(db),
	}
	require.NoError(t, h.catalog.Migrate(ctx))
	require.NoError(t, h.jobs.Migrate(ctx))

	opts = append([]Option{
		WithObjectStore("s3", h.objects),
		WithJobStore(h.jobs),
		WithRetry(fastRetry),
	}, opts...)
	eng, err := New(h.catalog, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	h.engine = eng
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepSchedule = ""
	cfg.MaxActiveJobs = 0
	return cfg
}

func ndjson(collection string, ids ...string) []byte {
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, `{"type":"Feature","id":%q,"collection":%q,"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]},"bbox":[0,0,1,1],"properties":{"datetime":"2019-01-01T00:00:00Z"}}`+"\n", id, collection)
	}
	return []byte(sb.String())
}

func wait(t *testing.T, e *Engine, id string) *core.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, id, true)
	require.NoError(t, err)
	return job
}

func TestSubmit_OversizedFileAmongOthers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileSize = 1536 << 20
	h := newHarness(t, cfg)

	h.objects.Put("its-live", "cubes/a/2018.ndjson", ndjson("itslive-cubes", "a1", "a2", "a3"))
	h.objects.PutSized("its-live", "cubes/b/2019.ndjson", nil, 2*gb)
	h.objects.Put("its-live", "cubes/c/2020.ndjson", ndjson("itslive-cubes", "c1", "c2"))

	job, err := h.engine.Submit(context.Background(), core.Request{
		Bucket:       "its-live",
		Prefix:       "cubes",
		Recursive:    true,
		CollectionID: "itslive-cubes",
		Method:       core.MethodUpsert,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, core.Summary{
		TotalFiles:     3,
		Processed:      3,
		Succeeded:      2,
		Failed:         1,
		Progress:       100,
		ItemsProcessed: 5,
	}, got.Summary)

	require.Len(t, got.Files, 3)
	assert.Equal(t, core.FileSucceeded, got.Files[0].Status)
	assert.Equal(t, core.FileFailed, got.Files[1].Status)
	assert.Equal(t, core.KindSizeExceeded, got.Files[1].ErrorKind)
	assert.Equal(t, core.FileSucceeded, got.Files[2].Status)
	assert.Zero(t, h.objects.Opens("its-live", "cubes/b/2019.ndjson"))

	n, err := h.catalog.Count(context.Background(), "itslive-cubes")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestSubmit_ShortBucketRecursivePrefix(t *testing.T) {
	h := newHarness(t, testConfig())
	h.objects.Put("b", "p/2019.ndjson", ndjson("c", "i1", "i2"))
	h.objects.Put("b", "p/nested/2020.ndjson", ndjson("c", "i3"))
	h.objects.Put("b", "q/2021.ndjson", ndjson("c", "i4"))

	job, err := h.engine.Submit(context.Background(), core.Request{Bucket: "b", Prefix: "p/", Recursive: true, CollectionID: "c"})
	require.NoError(t, err)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Summary.TotalFiles)
	assert.Equal(t, 2, got.Summary.Succeeded)
	assert.Equal(t, int64(3), got.Summary.ItemsProcessed)
}

func TestSubmit_MissingBucketFailsEnumeration(t *testing.T) {
	h := newHarness(t, testConfig())
	h.objects.ListErr = errors.New("NoSuchBucket")

	job, err := h.engine.Submit(context.Background(), core.Request{Bucket: "b", Prefix: "p/"})
	require.NoError(t, err)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "NoSuchBucket")
}

func TestSubmit_RepeatedIDCountsEveryLine(t *testing.T) {
	for _, size := range []int{1, 500} {
		t.Run(fmt.Sprintf("batch size %d", size), func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = size
			h := newHarness(t, cfg)
			h.objects.Put("bucket", "2019.ndjson", ndjson("c", "x", "x", "x"))

			job, err := h.engine.Submit(context.Background(), core.Request{Bucket: "bucket", Method: core.MethodUpsert})
			require.NoError(t, err)

			got := wait(t, h.engine, job.ID)
			assert.Equal(t, core.StatusCompleted, got.Status)
			assert.Equal(t, int64(3), got.Summary.ItemsProcessed)
			assert.Equal(t, int64(3), got.Files[0].ItemsProcessed)

			n, err := h.catalog.Count(context.Background(), "c")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestSubmit_ZeroFiles(t *testing.T) {
	h := newHarness(t, testConfig())
	h.objects.Put("bucket", "other/x.txt", []byte("x"))

	job, err := h.engine.Submit(context.Background(), core.Request{Bucket: "bucket", Prefix: "p/"})
	require.NoError(t, err)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Zero(t, got.Summary.TotalFiles)
	assert.Zero(t, got.Summary.Progress)
}

func TestSubmit_DecodeFailuresAreCounted(t *testing.T) {
	h := newHarness(t, testConfig())
	body := append(ndjson("c", "ok1"), []byte("{broken\n{\"type\":\"Feature\"}\n")...)
	body = append(body, ndjson("c", "ok2")...)
	h.objects.Put("bucket", "items.ndjson", body)

	job, err := h.engine.Submit(context.Background(), core.Request{Bucket: "bucket"})
	require.NoError(t, err)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)
	require.Len(t, got.Files, 1)
	f := got.Files[0]
	assert.Equal(t, core.FileSucceeded, f.Status)
	assert.Equal(t, int64(2), f.ItemsProcessed)
	assert.Equal(t, int64(2), f.DecodeFailures)
	assert.Len(t, f.DecodeErrors, 2)
}

func TestSubmit_EnumerationFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.objects.ListErr = errors.New("AccessDenied")

	job, err := h.engine.Submit(context.Background(), core.Request{Bucket: "bucket"})
	require.NoError(t, err)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "AccessDenied")
	assert.Empty(t, got.Files)
}

func TestSubmit_UnregisteredScheme(t *testing.T) {
	h := newHarness(t, testConfig())

	job, err := h.engine.Submit(context.Background(), core.Request{Scheme: "gs", Bucket: "bucket"})
	require.NoError(t, err)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "unsupported source scheme")
}

func TestSubmit_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.StrictCollections = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	cases := map[string]core.Request{
		"url and bucket":      {Bucket: "bucket", URL: "https://example.com/a.ndjson"},
		"neither":             {},
		"bad method":          {Bucket: "bucket", Method: "merge"},
		"bad scheme":          {Bucket: "bucket", Scheme: "ftp"},
		"url to s3 only":      {URL: "https://example.com/a.ndjson", CollectionID: "itslive-cubes"},
		"bucket to url only":  {Bucket: "bucket", CollectionID: "velocity-granules"},
		"unknown collection":  {Bucket: "bucket", CollectionID: "nope"},
		"non http url":        {URL: "file:///etc/passwd"},
		"year out of range":   {Bucket: "bucket", Year: 1066},
		"bucket name invalid": {Bucket: "B_"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Submit(ctx, req)
			assert.ErrorIs(t, err, core.ErrInvalidRequest)
		})
	}

	jobs, total, err := h.engine.List(ctx, core.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func TestSubmitURL_UpsertIsIdempotent(t *testing.T) {
	body := ndjson("velocity-granules", "g1", "g2", "g3")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	h := newHarness(t, testConfig(), WithHTTPClient(srv.Client()))
	ctx := context.Background()
	url := srv.URL + "/granules.ndjson"

	first, err := h.engine.SubmitURL(ctx, url, "velocity-granules", core.MethodUpsert)
	require.NoError(t, err)
	got := wait(t, h.engine, first.ID)
	require.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, int64(3), got.Summary.ItemsProcessed)
	assert.Equal(t, "v1", got.Files[0].Source.ETag)
	assert.Equal(t, int64(len(body)), got.Files[0].Source.Size)

	before, err := h.catalog.Get(ctx, "velocity-granules", "g2")
	require.NoError(t, err)

	second, err := h.engine.SubmitURL(ctx, url, "velocity-granules", core.MethodUpsert)
	require.NoError(t, err)
	got = wait(t, h.engine, second.ID)
	require.Equal(t, core.StatusCompleted, got.Status)

	after, err := h.catalog.Get(ctx, "velocity-granules", "g2")
	require.NoError(t, err)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	n, err := h.catalog.Count(ctx, "velocity-granules")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSubmitURL_InfersCollectionFromItemFile(t *testing.T) {
	body := ndjson("velocity-granules", "g1", "g2")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	h := newHarness(t, testConfig(), WithHTTPClient(srv.Client()))
	ctx := context.Background()

	job, err := h.engine.SubmitURL(ctx, srv.URL+"/exports/granule-items.json", "", "")
	require.NoError(t, err)
	assert.Equal(t, "velocity-granules", job.Request.CollectionID)

	got := wait(t, h.engine, job.ID)
	require.Equal(t, core.StatusCompleted, got.Status)
	n, err := h.catalog.Count(ctx, "velocity-granules")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	other, err := h.engine.SubmitURL(ctx, srv.URL+"/exports/other.ndjson", "", "")
	require.NoError(t, err)
	assert.Empty(t, other.Request.CollectionID)
	wait(t, h.engine, other.ID)
}

func TestSubmit_InsertIgnoreRerunSkipsItems(t *testing.T) {
	h := newHarness(t, testConfig())
	h.objects.Put("bucket", "2019.ndjson", ndjson("c", "x1", "x2"))
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, core.Request{Bucket: "bucket"})
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, wait(t, h.engine, first.ID).Status)

	second, err := h.engine.Submit(ctx, core.Request{Bucket: "bucket", Method: core.MethodInsertIgnore})
	require.NoError(t, err)
	got := wait(t, h.engine, second.ID)

	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Zero(t, got.Summary.ItemsProcessed)
	assert.Equal(t, int64(2), got.Files[0].ItemsSkipped)
}

func TestSubmit_InsertCollisionFailsFile(t *testing.T) {
	h := newHarness(t, testConfig())
	h.objects.Put("bucket", "2019.ndjson", ndjson("c", "x1"))
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, core.Request{Bucket: "bucket", Method: core.MethodInsert})
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, wait(t, h.engine, first.ID).Status)

	second, err := h.engine.Submit(ctx, core.Request{Bucket: "bucket", Method: core.MethodInsert})
	require.NoError(t, err)
	got := wait(t, h.engine, second.ID)

	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, core.KindGateway, got.Files[0].ErrorKind)
	assert.Contains(t, got.Files[0].Error, "already exists")
}

func TestSubmit_SkipIngested(t *testing.T) {
	cfg := testConfig()
	cfg.SkipIngested = true
	h := newHarness(t, cfg)
	h.objects.Put("bucket", "2019.ndjson", ndjson("c", "x1"))
	h.objects.Put("bucket", "2020.ndjson", ndjson("c", "y1"))
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, core.Request{Bucket: "bucket"})
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, wait(t, h.engine, first.ID).Status)

	h.objects.Put("bucket", "2020.ndjson", ndjson("c", "y1", "y2"))

	second, err := h.engine.Submit(ctx, core.Request{Bucket: "bucket"})
	require.NoError(t, err)
	got := wait(t, h.engine, second.ID)

	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Summary.Skipped)
	assert.True(t, got.Files[0].Skipped)
	assert.False(t, got.Files[1].Skipped)
	assert.Equal(t, 1, h.objects.Opens("bucket", "2019.ndjson"))
	assert.Equal(t, 2, h.objects.Opens("bucket", "2020.ndjson"))
}

// blockingSource serves HEAD immediately and holds GET until released or
// the client goes away.
type blockingSource struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (b *blockingSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		return
	}
	b.started <- struct{}{}
	select {
	case <-b.release:
		_, _ = w.Write(ndjson("c", "late"))
	case <-r.Context().Done():
	}
}

func (b *blockingSource) Release() {
	b.once.Do(func() { close(b.release) })
}

func TestCancel_RunningJob(t *testing.T) {
	src := newBlockingSource()
	srv := httptest.NewServer(src)
	defer srv.Close()
	defer src.Release()

	h := newHarness(t, testConfig(), WithHTTPClient(srv.Client()))
	ctx := context.Background()

	job, err := h.engine.SubmitURL(ctx, srv.URL+"/slow.ndjson", "", "")
	require.NoError(t, err)
	<-src.started

	snap, err := h.engine.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, snap.Status)

	got := wait(t, h.engine, job.ID)
	assert.Equal(t, core.StatusCancelled, got.Status)

	_, err = h.engine.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrJobTerminal)

	n, err := h.catalog.Count(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// gatedCatalog holds any batch carrying blockOn until the job is cancelled.
type gatedCatalog struct {
	core.Catalog
	blockOn string
	entered chan struct{}
}

func (g *gatedCatalog) Submit(ctx context.Context, collection string, items map[string]*core.Item, method core.Method) (*core.SubmitResult, error) {
	if _, ok := items[g.blockOn]; ok {
		g.entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return g.Catalog.Submit(ctx, collection, items, method)
}

func TestCancel_LeavesUnstartedFilesPending(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	catalog := storage.NewGormCatalog(db)
	jobs := storage.NewGormJobStore(db)
	require.NoError(t, catalog.Migrate(ctx))
	require.NoError(t, jobs.Migrate(ctx))

	objects := objstore.NewMemory()
	for _, id := range []string{"a", "b", "c", "d"} {
		objects.Put("bucket", "p/"+id+".ndjson", ndjson("c", id+"1"))
	}

	cfg := testConfig()
	cfg.MaxConcurrentFiles = 1
	gated := &gatedCatalog{Catalog: catalog, blockOn: "b1", entered: make(chan struct{}, 1)}
	eng, err := New(gated, cfg, WithObjectStore("s3", objects), WithJobStore(jobs), WithRetry(fastRetry))
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	job, err := eng.Submit(ctx, core.Request{Bucket: "bucket", Prefix: "p/"})
	require.NoError(t, err)

	select {
	case <-gated.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("second file never reached the catalog")
	}

	snap, err := eng.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, snap.Status)

	got := wait(t, eng, job.ID)
	assert.Equal(t, core.StatusCancelled, got.Status)
	assert.Equal(t, 4, got.Summary.TotalFiles)
	assert.Equal(t, 1, got.Summary.Processed)
	assert.Equal(t, 1, got.Summary.Succeeded)

	statuses := make([]core.FileStatus, 0, len(got.Files))
	for _, f := range got.Files {
		statuses = append(statuses, f.Status)
	}
	assert.Equal(t, []core.FileStatus{core.FileSucceeded, core.FileProcessing, core.FilePending, core.FilePending}, statuses)

	n, err := catalog.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmit_TooManyActiveJobs(t *testing.T) {
	src := newBlockingSource()
	srv := httptest.NewServer(src)
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxActiveJobs = 1
	h := newHarness(t, cfg, WithHTTPClient(srv.Client()))
	ctx := context.Background()

	first, err := h.engine.SubmitURL(ctx, srv.URL+"/a.ndjson", "", "")
	require.NoError(t, err)

	_, err = h.engine.SubmitURL(ctx, srv.URL+"/b.ndjson", "", "")
	assert.ErrorIs(t, err, core.ErrTooManyActiveJobs)

	src.Release()
	got := wait(t, h.engine, first.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)

	_, err = h.engine.SubmitURL(ctx, srv.URL+"/b.ndjson", "", "")
	assert.NoError(t, err)
}

type panickingCatalog struct{}

func (panickingCatalog) Submit(context.Context, string, map[string]*core.Item, core.Method) (*core.SubmitResult, error) {
	panic("driver bug")
}

func TestSubmit_PanicFailsFile(t *testing.T) {
	objects := objstore.NewMemory()
	objects.Put("bucket", "2019.ndjson", ndjson("c", "x"))

	eng, err := New(panickingCatalog{}, testConfig(), WithObjectStore("s3", objects))
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Close(context.Background())

	job, err := eng.Submit(context.Background(), core.Request{Bucket: "bucket"})
	require.NoError(t, err)

	got := wait(t, eng, job.ID)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, core.KindInternal, got.Files[0].ErrorKind)
	assert.Contains(t, got.Files[0].Error, "driver bug")
}

func TestStart_RecoversInterruptedJobs(t *testing.T) {
	db := openDB(t)
	jobs := storage.NewGormJobStore(db)
	catalog := storage.NewGormCatalog(db)
	ctx := context.Background()
	require.NoError(t, jobs.Migrate(ctx))
	require.NoError(t, catalog.Migrate(ctx))

	stale := &core.Job{ID: "0190d5a8-0000-7000-8000-000000000001", Status: core.StatusProcessing, CreatedAt: time.Now()}
	require.NoError(t, jobs.SaveJob(ctx, stale))

	eng, err := New(catalog, testConfig(), WithJobStore(jobs))
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	defer eng.Close(ctx)

	got, err := eng.Status(ctx, stale.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")
}

func TestClose_RejectsNewJobs(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Close(context.Background()))

	_, err := h.engine.Submit(context.Background(), core.Request{Bucket: "bucket"})
	assert.ErrorIs(t, err, core.ErrEngineShuttingDown)
}

func TestClose_CancelsOnDeadline(t *testing.T) {
	src := newBlockingSource()
	srv := httptest.NewServer(src)
	defer srv.Close()
	defer src.Release()

	h := newHarness(t, testConfig(), WithHTTPClient(srv.Client()))
	job, err := h.engine.SubmitURL(context.Background(), srv.URL+"/slow.ndjson", "", "")
	require.NoError(t, err)
	<-src.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.engine.Close(ctx), context.DeadlineExceeded)

	got, err := h.engine.Status(context.Background(), job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
}

func TestNew_InvalidSweepSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.SweepSchedule = "every so often"
	_, err := New(panickingCatalog{}, cfg)
	assert.Error(t, err)

	_, err = New(nil, testConfig())
	assert.Error(t, err)
}

func TestSubscribe_SeesTerminalSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	h.objects.Put("bucket", "2019.ndjson", ndjson("c", "x"))

	updates, unsubscribe := h.engine.Subscribe(64)
	defer unsubscribe()

	job, err := h.engine.Submit(context.Background(), core.Request{Bucket: "bucket"})
	require.NoError(t, err)

	timeout := time.After(10 * time.Second)
	for {
		select {
		case snap := <-updates:
			if snap.ID == job.ID && snap.Status.IsTerminal() {
				assert.Equal(t, core.StatusCompleted, snap.Status)
				return
			}
		case <-timeout:
			t.Fatal("no terminal snapshot")
		}
	}
}
