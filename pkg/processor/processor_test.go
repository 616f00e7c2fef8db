package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/worker"
)

func itemLine(id, collection string) string {
	return fmt.Sprintf(`{"type":"Feature","id":%q,"collection":%q,"geometry":{"type":"Point","coordinates":[1,2]},"properties":{"datetime":"2020-01-01T00:00:00Z"}}`, id, collection)
}

func lines(n int, collection string) string {
	var sb strings.Builder
	for i := range n {
		sb.WriteString(itemLine(fmt.Sprintf("item-%03d", i), collection))
		sb.WriteByte('\n')
	}
	return sb.String()
}

type fakeOpener struct {
	mu      sync.Mutex
	content map[string]string
	err     error
	opens   int
}

func (o *fakeOpener) Open(_ context.Context, src core.Source) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	body, ok := o.content[src.Location()]
	if !ok {
		return nil, &core.FetchError{Location: src.Location(), Err: errors.New("not found")}
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type submitCall struct {
	collection string
	ids        []string
	method     core.Method
}

type fakeCatalog struct {
	mu       sync.Mutex
	calls    []submitCall
	existing map[string]bool
	failAt   map[int]error // 1-based call number -> error
}

func (c *fakeCatalog) Submit(_ context.Context, collection string, items map[string]*core.Item, method core.Method) (*core.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	c.calls = append(c.calls, submitCall{collection: collection, ids: ids, method: method})

	if err, ok := c.failAt[len(c.calls)]; ok {
		return nil, err
	}

	res := &core.SubmitResult{Rejected: map[string]string{}}
	for _, id := range ids {
		if c.existing[id] {
			res.Rejected[id] = "already exists"
			continue
		}
		res.Accepted = append(res.Accepted, id)
	}
	return res, nil
}

func (c *fakeCatalog) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
	hook   func(core.Event)
}

func (r *recorder) Apply(ev core.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(ev)
	}
}

func (r *recorder) batches() []*core.BatchCommitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.BatchCommitted
	for _, ev := range r.events {
		if b, ok := ev.(*core.BatchCommitted); ok {
			out = append(out, b)
		}
	}
	return out
}

func task(location string) core.FileTask {
	return core.FileTask{
		JobID:  "job-1",
		Index:  0,
		Source: core.Source{Scheme: "https", URL: location, Size: -1},
		Status: core.FilePending,
	}
}

var req = core.Request{Method: core.MethodInsertIgnore}

const loc = "https://example.com/items.ndjson"

func TestProcess_BatchesAndCounts(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(5, "c")}}
	catalog := &fakeCatalog{}
	rec := &recorder{}
	p := New(opener, catalog, WithBatchSize(2))

	res := p.Process(context.Background(), req, task(loc), rec)

	require.NoError(t, res.Err)
	assert.Equal(t, core.FileSucceeded, res.Status)
	assert.Equal(t, int64(5), res.ItemsProcessed)
	assert.Equal(t, 3, res.Batches)
	assert.Zero(t, res.DecodeFailures)

	require.Len(t, rec.events, 5)
	assert.IsType(t, &core.FileStarted{}, rec.events[0])
	finished, ok := rec.events[4].(*core.FileFinished)
	require.True(t, ok)
	assert.Equal(t, res, finished.Result)

	var sizes []int
	for _, b := range rec.batches() {
		sizes = append(sizes, b.Items)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	require.Len(t, catalog.calls, 3)
	assert.Equal(t, []string{"item-000", "item-001"}, catalog.calls[0].ids)
	assert.Equal(t, core.MethodInsertIgnore, catalog.calls[0].method)
}

func TestProcess_DecodeFailuresDoNotAbort(t *testing.T) {
	body := itemLine("a", "c") + "\n" +
		"not json\n" +
		"\n" +
		`{"type":"Feature","id":"b","collection":"c","geometry":null,"properties":{}}` + "\n" +
		itemLine("c", "c") + "\n"
	opener := &fakeOpener{content: map[string]string{loc: body}}
	p := New(opener, &fakeCatalog{})

	res := p.Process(context.Background(), req, task(loc), &recorder{})

	require.NoError(t, res.Err)
	assert.Equal(t, core.FileSucceeded, res.Status)
	assert.Equal(t, int64(2), res.ItemsProcessed)
	assert.Equal(t, int64(2), res.DecodeFailures)
	require.Len(t, res.DecodeErrors, 2)
	assert.Contains(t, res.DecodeErrors[0], "line 2")
	assert.Contains(t, res.DecodeErrors[1], "line 4")
}

func TestProcess_DecodeSamplesAreCapped(t *testing.T) {
	body := strings.Repeat("{}\n", 15) + itemLine("a", "c")
	opener := &fakeOpener{content: map[string]string{loc: body}}
	p := New(opener, &fakeCatalog{})

	res := p.Process(context.Background(), req, task(loc), &recorder{})

	assert.Equal(t, int64(15), res.DecodeFailures)
	assert.Len(t, res.DecodeErrors, 10)
	assert.Equal(t, int64(1), res.ItemsProcessed)
}

func TestProcess_GatewayFailureKeepsCommittedCount(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(5, "c")}}
	catalog := &fakeCatalog{failAt: map[int]error{2: errors.New("connection reset")}}
	rec := &recorder{}
	p := New(opener, catalog, WithBatchSize(2), WithRetry(worker.NoRetryConfig()))

	res := p.Process(context.Background(), req, task(loc), rec)

	assert.Equal(t, core.FileFailed, res.Status)
	assert.Equal(t, core.KindGateway, core.KindOf(res.Err))
	var gwErr *core.GatewayError
	require.ErrorAs(t, res.Err, &gwErr)
	assert.Equal(t, 2, gwErr.Batch)
	assert.Equal(t, "c", gwErr.Collection)

	assert.Equal(t, int64(2), res.ItemsProcessed)
	assert.Equal(t, 1, res.Batches)
	assert.Len(t, rec.batches(), 1)
	assert.Equal(t, 2, catalog.callCount())
}

func TestProcess_SubmitIsRetried(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(1, "c")}}
	catalog := &fakeCatalog{failAt: map[int]error{1: errors.New("deadlock detected")}}
	retry := worker.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	p := New(opener, catalog, WithRetry(retry))

	res := p.Process(context.Background(), req, task(loc), &recorder{})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.ItemsProcessed)
	assert.Equal(t, 2, catalog.callCount())
}

func TestProcess_NoRetryCollision(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(1, "c")}}
	catalog := &fakeCatalog{failAt: map[int]error{1: core.NoRetry(core.ErrItemExists)}}
	p := New(opener, catalog)

	res := p.Process(context.Background(), core.Request{Method: core.MethodInsert}, task(loc), &recorder{})

	assert.Equal(t, core.KindGateway, core.KindOf(res.Err))
	assert.ErrorIs(t, res.Err, core.ErrItemExists)
	assert.Equal(t, 1, catalog.callCount())
}

func TestProcess_RejectedItemsAreSkipped(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(3, "c")}}
	catalog := &fakeCatalog{existing: map[string]bool{"item-001": true}}
	rec := &recorder{}
	p := New(opener, catalog)

	res := p.Process(context.Background(), req, task(loc), rec)

	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.ItemsProcessed)
	assert.Equal(t, int64(1), res.ItemsSkipped)
	require.Len(t, rec.batches(), 1)
	assert.Equal(t, 1, rec.batches()[0].Skipped)
}

func TestProcess_FetchFailure(t *testing.T) {
	opener := &fakeOpener{err: &core.FetchError{Location: loc, Err: errors.New("403 Forbidden")}}
	catalog := &fakeCatalog{}
	rec := &recorder{}
	p := New(opener, catalog)

	res := p.Process(context.Background(), req, task(loc), rec)

	assert.Equal(t, core.FileFailed, res.Status)
	assert.Equal(t, core.KindFetch, core.KindOf(res.Err))
	assert.Zero(t, catalog.callCount())
	assert.Len(t, rec.events, 2)
}

func TestProcess_LineTooLong(t *testing.T) {
	body := itemLine("a", "c") + "\n" + strings.Repeat("x", 4096) + "\n"
	opener := &fakeOpener{content: map[string]string{loc: body}}
	p := New(opener, &fakeCatalog{}, WithMaxLineSize(1024))

	res := p.Process(context.Background(), req, task(loc), &recorder{})

	assert.Equal(t, core.FileFailed, res.Status)
	assert.Equal(t, core.KindDecodeStream, core.KindOf(res.Err))
}

func TestProcess_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opener := &fakeOpener{content: map[string]string{loc: lines(1, "c")}}
	rec := &recorder{}
	p := New(opener, &fakeCatalog{})

	res := p.Process(ctx, req, task(loc), rec)

	assert.Equal(t, core.KindCancelled, core.KindOf(res.Err))
	assert.Zero(t, opener.opens)
	require.Len(t, rec.events, 1)
	assert.IsType(t, &core.FileFinished{}, rec.events[0])
}

func TestProcess_CancelledAtBatchBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opener := &fakeOpener{content: map[string]string{loc: lines(6, "c")}}
	catalog := &fakeCatalog{}
	rec := &recorder{hook: func(ev core.Event) {
		if _, ok := ev.(*core.BatchCommitted); ok {
			cancel()
		}
	}}
	p := New(opener, catalog, WithBatchSize(2))

	res := p.Process(ctx, req, task(loc), rec)

	assert.Equal(t, core.FileFailed, res.Status)
	assert.Equal(t, core.KindCancelled, core.KindOf(res.Err))
	assert.Equal(t, int64(2), res.ItemsProcessed)
	assert.Equal(t, 1, catalog.callCount())
}

func TestProcess_BatchesPerCollection(t *testing.T) {
	body := itemLine("a1", "a") + "\n" +
		itemLine("b1", "b") + "\n" +
		itemLine("a2", "a") + "\n" +
		itemLine("b2", "b") + "\n" +
		itemLine("a3", "a") + "\n"
	opener := &fakeOpener{content: map[string]string{loc: body}}
	catalog := &fakeCatalog{}
	p := New(opener, catalog, WithBatchSize(2))

	res := p.Process(context.Background(), req, task(loc), &recorder{})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(5), res.ItemsProcessed)
	require.Len(t, catalog.calls, 3)
	assert.Equal(t, submitCall{collection: "a", ids: []string{"a1", "a2"}, method: core.MethodInsertIgnore}, catalog.calls[0])
	assert.Equal(t, submitCall{collection: "b", ids: []string{"b1", "b2"}, method: core.MethodInsertIgnore}, catalog.calls[1])
	assert.Equal(t, submitCall{collection: "a", ids: []string{"a3"}, method: core.MethodInsertIgnore}, catalog.calls[2])
}

func TestProcess_JobCollectionFillsMissing(t *testing.T) {
	body := `{"type":"Feature","id":"x","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"datetime":"2020-01-01T00:00:00Z"}}` + "\n" +
		itemLine("y", "other") + "\n"
	opener := &fakeOpener{content: map[string]string{loc: body}}
	catalog := &fakeCatalog{}
	p := New(opener, catalog)

	res := p.Process(context.Background(), core.Request{CollectionID: "itslive-cubes", Method: core.MethodUpsert}, task(loc), &recorder{})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.ItemsProcessed)
	assert.Equal(t, int64(1), res.DecodeFailures)
	require.Len(t, catalog.calls, 1)
	assert.Equal(t, "itslive-cubes", catalog.calls[0].collection)
}

type fakeIndex struct {
	found bool
	err   error
	calls int
}

func (f *fakeIndex) FindIngested(context.Context, core.Source, string) (bool, error) {
	f.calls++
	return f.found, f.err
}

func TestProcess_SkipIngested(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(1, "c")}}
	index := &fakeIndex{found: true}
	p := New(opener, &fakeCatalog{}, WithSkipIngested(index))

	tk := task(loc)
	tk.Source.Size = 100
	tk.Source.ETag = "abc"
	res := p.Process(context.Background(), req, tk, &recorder{})

	require.NoError(t, res.Err)
	assert.True(t, res.Skipped)
	assert.Equal(t, core.FileSucceeded, res.Status)
	assert.Zero(t, opener.opens)
}

func TestProcess_SkipIngestedNeedsIdentity(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(1, "c")}}
	index := &fakeIndex{found: true}
	p := New(opener, &fakeCatalog{}, WithSkipIngested(index))

	res := p.Process(context.Background(), req, task(loc), &recorder{})

	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.Zero(t, index.calls)
	assert.Equal(t, 1, opener.opens)
}

func TestProcess_SkipIngestedLookupError(t *testing.T) {
	opener := &fakeOpener{content: map[string]string{loc: lines(1, "c")}}
	index := &fakeIndex{err: errors.New("db closed")}
	p := New(opener, &fakeCatalog{}, WithSkipIngested(index))

	tk := task(loc)
	tk.Source.Size = 10
	tk.Source.ETag = "abc"
	res := p.Process(context.Background(), req, tk, &recorder{})

	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(1), res.ItemsProcessed)
}

func TestBatcher_RepeatedIDReplaces(t *testing.T) {
	b := newBatcher(3)
	assert.Nil(t, b.add(&core.Item{ID: "a", Collection: "c"}))
	assert.Nil(t, b.add(&core.Item{ID: "a", Collection: "c", Raw: []byte("v2")}))

	pending := b.drain()
	require.Len(t, pending, 1)
	require.Len(t, pending[0].items, 1)
	assert.Equal(t, "v2", string(pending[0].items["a"].Raw))
	assert.Equal(t, 2, pending[0].count)
	assert.Empty(t, b.drain())
}

func TestBatcher_RepeatedIDCountsTowardSize(t *testing.T) {
	b := newBatcher(2)
	assert.Nil(t, b.add(&core.Item{ID: "a", Collection: "c"}))
	full := b.add(&core.Item{ID: "a", Collection: "c"})
	require.NotNil(t, full)
	assert.Len(t, full.items, 1)
	assert.Equal(t, 2, full.weight("a"))
}

func TestProcess_RepeatedIDTotalsIgnoreBatchSize(t *testing.T) {
	body := itemLine("x", "c") + "\n" + itemLine("x", "c") + "\n" + itemLine("x", "c") + "\n" + itemLine("y", "c") + "\n"

	for _, size := range []int{1, 2, 500} {
		t.Run(fmt.Sprintf("batch size %d", size), func(t *testing.T) {
			opener := &fakeOpener{content: map[string]string{loc: body}}
			rec := &recorder{}
			p := New(opener, &fakeCatalog{}, WithBatchSize(size))

			res := p.Process(context.Background(), core.Request{Method: core.MethodUpsert}, task(loc), rec)

			require.NoError(t, res.Err)
			assert.Equal(t, int64(4), res.ItemsProcessed)
			assert.Zero(t, res.ItemsSkipped)

			var committed int
			for _, b := range rec.batches() {
				committed += b.Items
			}
			assert.Equal(t, 4, committed)
		})
	}
}

func TestBatch_TallyInsertIgnoreRepeats(t *testing.T) {
	b := &batch{lines: map[string]int{"x": 3, "y": 1, "z": 2}}
	res := &core.SubmitResult{Accepted: []string{"x", "y"}, Rejected: map[string]string{"z": "already exists"}}

	processed, skipped := b.tally(res, core.MethodInsertIgnore)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 4, skipped)

	processed, skipped = b.tally(res, core.MethodUpsert)
	assert.Equal(t, 4, processed)
	assert.Equal(t, 2, skipped)
}
