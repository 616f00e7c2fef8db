package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itslive/stac-ingest/pkg/collection"
	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/objstore"
)

const mb = 1 << 20

func keys(t *testing.T, e *Enumerator, req core.Request, col *collection.Collection) []string {
	t.Helper()
	var out []string
	for src, err := range e.Enumerate(context.Background(), req, col) {
		require.NoError(t, err)
		out = append(out, src.Key)
	}
	return out
}

func TestEnumerate_FiltersAndDelimiter(t *testing.T) {
	store := objstore.NewMemory()
	store.Put("b", "p/2019.ndjson", []byte("x"))
	store.Put("b", "p/2020.ndjson", []byte("x"))
	store.Put("b", "p/readme.txt", []byte("x"))
	store.Put("b", "p/notes.ndjson", []byte("x"))
	store.Put("b", "p/deep/2019.ndjson", []byte("x"))

	e := New(WithStore("s3", store))

	assert.Equal(t,
		[]string{"p/2019.ndjson", "p/2020.ndjson", "p/notes.ndjson"},
		keys(t, e, core.Request{Bucket: "b", Prefix: "p"}, nil))

	assert.Equal(t,
		[]string{"p/2019.ndjson", "p/deep/2019.ndjson"},
		keys(t, e, core.Request{Bucket: "b", Prefix: "p/", Recursive: true, Year: 2019}, nil))

	cubes, _ := collection.Default().Get("itslive-cubes")
	assert.Equal(t,
		[]string{"p/2019.ndjson", "p/2020.ndjson"},
		keys(t, e, core.Request{Bucket: "b", Prefix: "p/"}, cubes))
}

func TestTasks_OversizedFailsWithoutFetch(t *testing.T) {
	store := objstore.NewMemory()
	store.PutSized("b", "p/a/2018.ndjson", nil, 10*mb)
	store.PutSized("b", "p/b/2019.ndjson", nil, 2048*mb)
	store.PutSized("b", "p/c/2020.ndjson", nil, 5*mb)

	e := New(WithStore("s3", store), WithMaxFileSize(1536*mb))
	tasks, err := e.Tasks(context.Background(), "job", core.Request{Bucket: "b", Prefix: "p/", Recursive: true}, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, core.FilePending, tasks[0].Status)
	assert.Equal(t, core.FileFailed, tasks[1].Status)
	assert.Equal(t, core.KindSizeExceeded, tasks[1].ErrorKind)
	assert.NotNil(t, tasks[1].CompletedAt)
	assert.Equal(t, core.FilePending, tasks[2].Status)
	for i, task := range tasks {
		assert.Equal(t, i, task.Index)
		assert.Equal(t, "job", task.JobID)
	}
	assert.Equal(t, 0, store.Opens("b", "p/b/2019.ndjson"))
}

func TestEnumerate_ListErrorIsEnumerationError(t *testing.T) {
	store := objstore.NewMemory()
	store.ListErr = errors.New("NoSuchBucket")

	e := New(WithStore("s3", store))
	_, err := e.Tasks(context.Background(), "job", core.Request{Bucket: "missing"}, nil)

	var enumErr *core.EnumerationError
	require.True(t, errors.As(err, &enumErr))
	assert.Equal(t, core.KindEnumeration, core.KindOf(err))
}

func TestEnumerate_UnknownScheme(t *testing.T) {
	e := New()
	_, err := e.Tasks(context.Background(), "job", core.Request{Scheme: "gs", Bucket: "b"}, nil)
	assert.ErrorIs(t, err, core.ErrUnsupportedScheme)
}

func TestEnumerate_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items.ndjson":
			w.Header().Set("ETag", `"abc123"`)
			w.Header().Set("Content-Length", "1234")
		case "/nohead.ndjson":
			w.WriteHeader(http.StatusMethodNotAllowed)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := New(WithHTTPClient(srv.Client()))

	tasks, err := e.Tasks(context.Background(), "job", core.Request{URL: srv.URL + "/items.ndjson"}, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(1234), tasks[0].Source.Size)
	assert.Equal(t, "abc123", tasks[0].Source.ETag)
	assert.Equal(t, "http", tasks[0].Source.Scheme)

	tasks, err = e.Tasks(context.Background(), "job", core.Request{URL: srv.URL + "/nohead.ndjson"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), tasks[0].Source.Size)

	_, err = e.Tasks(context.Background(), "job", core.Request{URL: srv.URL + "/missing.ndjson"}, nil)
	assert.Equal(t, core.KindEnumeration, core.KindOf(err))
}

func TestMatch(t *testing.T) {
	yearOnly := regexp.MustCompile(`^\d{4}$`)

	assert.True(t, Match("a/2019.ndjson", ".ndjson", nil, 0))
	assert.False(t, Match("a/2019.json", ".ndjson", nil, 0))
	assert.True(t, Match("a/2019.ndjson", ".ndjson", yearOnly, 2019))
	assert.False(t, Match("a/2019.ndjson", ".ndjson", yearOnly, 2020))
	assert.False(t, Match("a/cube-2019.ndjson", ".ndjson", yearOnly, 0))
	assert.True(t, Match("a/cube-2019.ndjson", ".ndjson", nil, 2019))
	assert.False(t, Match("a/cube-20190.ndjson", ".ndjson", nil, 2019))
	assert.True(t, Match("a/x20191_2019.ndjson", ".ndjson", nil, 2019))
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", NormalizePrefix(""))
	assert.Equal(t, "", NormalizePrefix("/"))
	assert.Equal(t, "p/", NormalizePrefix("p"))
	assert.Equal(t, "p/q/", NormalizePrefix("/p/q//"))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "2019", Stem("a/b/2019.ndjson"))
	assert.Equal(t, "2019", Stem("2019.ndjson.gz"))
	assert.Equal(t, "x", Stem("x"))
}
