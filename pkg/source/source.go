// Package source discovers the files an ingest request refers to.
package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/itslive/stac-ingest/pkg/collection"
	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/jobctx"
	"github.com/itslive/stac-ingest/pkg/objstore"
)

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithStore registers the object store serving a scheme ("s3", "gs").
func WithStore(scheme string, store objstore.Store) Option {
	return func(e *Enumerator) {
		e.stores[scheme] = store
	}
}

// WithHTTPClient sets the client used for HEAD requests on URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Enumerator) {
		e.client = c
	}
}

// WithMaxFileSize sets the size above which files fail without being fetched.
// Zero disables the limit.
func WithMaxFileSize(n int64) Option {
	return func(e *Enumerator) {
		e.maxFileSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enumerator) {
		e.logger = l
	}
}

// Enumerator lists the source files of a request.
type Enumerator struct {
	stores      map[string]objstore.Store
	client      *http.Client
	maxFileSize int64
	logger      *slog.Logger
}

// New creates an Enumerator.
func New(opts ...Option) *Enumerator {
	e := &Enumerator{
		stores: make(map[string]objstore.Store),
		client: http.DefaultClient,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxFileSize returns the configured size limit.
func (e *Enumerator) MaxFileSize() int64 {
	return e.maxFileSize
}

// Enumerate lazily yields the sources of req in listing order. col may be nil.
// Any error is a *core.EnumerationError and ends the sequence.
func (e *Enumerator) Enumerate(ctx context.Context, req core.Request, col *collection.Collection) iter.Seq2[core.Source, error] {
	if req.IsURL() {
		return e.enumerateURL(ctx, req.URL)
	}
	return e.enumerateBucket(ctx, req, col)
}

func (e *Enumerator) enumerateBucket(ctx context.Context, req core.Request, col *collection.Collection) iter.Seq2[core.Source, error] {
	return func(yield func(core.Source, error) bool) {
		scheme := req.Scheme
		if scheme == "" {
			scheme = "s3"
		}
		prefix := NormalizePrefix(req.Prefix)
		location := scheme + "://" + req.Bucket + "/" + prefix

		store, ok := e.stores[scheme]
		if !ok {
			yield(core.Source{}, &core.EnumerationError{Source: location, Err: core.ErrUnsupportedScheme})
			return
		}

		suffix := collection.DefaultSuffix
		var pattern *regexp.Regexp
		if col != nil {
			suffix = col.KeySuffix()
			pattern = col.Pattern()
		}

		var listed, kept int
		for obj, err := range store.List(ctx, req.Bucket, prefix, req.Recursive) {
			if err != nil {
				yield(core.Source{}, &core.EnumerationError{Source: location, Err: err})
				return
			}
			listed++
			if !Match(obj.Key, suffix, pattern, req.Year) {
				continue
			}
			kept++
			src := core.Source{Scheme: scheme, Bucket: req.Bucket, Key: obj.Key, Size: obj.Size, ETag: obj.ETag}
			if !yield(src, nil) {
				return
			}
		}
		jobctx.Logger(ctx, e.logger).Debug("listed source objects", "location", location, "listed", listed, "kept", kept)
	}
}

func (e *Enumerator) enumerateURL(ctx context.Context, rawURL string) iter.Seq2[core.Source, error] {
	return func(yield func(core.Source, error) bool) {
		src, err := e.head(ctx, rawURL)
		if err != nil {
			yield(core.Source{}, &core.EnumerationError{Source: rawURL, Err: err})
			return
		}
		yield(src, nil)
	}
}

func (e *Enumerator) head(ctx context.Context, rawURL string) (core.Source, error) {
	src := core.Source{URL: rawURL, Size: -1}
	if i := strings.Index(rawURL, "://"); i > 0 {
		src.Scheme = rawURL[:i]
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return src, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return src, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		// Size is unknown; the limit is enforced while streaming.
		return src, nil
	case resp.StatusCode >= 400:
		return src, fmt.Errorf("HEAD %s: %s", rawURL, resp.Status)
	}

	if resp.ContentLength >= 0 {
		src.Size = resp.ContentLength
	}
	src.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
	return src, nil
}

// Tasks drains the enumeration into FileTasks in listing order. Files larger
// than the size limit come back already failed with kind size_exceeded.
func (e *Enumerator) Tasks(ctx context.Context, jobID string, req core.Request, col *collection.Collection) ([]core.FileTask, error) {
	var tasks []core.FileTask
	for src, err := range e.Enumerate(ctx, req, col) {
		if err != nil {
			return nil, err
		}
		task := core.FileTask{
			JobID:  jobID,
			Index:  len(tasks),
			Source: src,
			Status: core.FilePending,
		}
		if e.Oversized(src.Size) {
			now := time.Now()
			task.Status = core.FileFailed
			task.ErrorKind = core.KindSizeExceeded
			task.Error = fmt.Sprintf("%s: size %d exceeds limit %d", core.ErrSizeExceeded, src.Size, e.maxFileSize)
			task.CompletedAt = &now
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Oversized reports whether a known size exceeds the limit.
func (e *Enumerator) Oversized(size int64) bool {
	return e.maxFileSize > 0 && size > e.maxFileSize
}

// NormalizePrefix makes a non-empty prefix end with exactly one "/".
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix == "" {
		return ""
	}
	return strings.TrimRight(prefix, "/") + "/"
}

// Stem returns a key's basename up to the first dot.
func Stem(key string) string {
	base := path.Base(key)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// Match applies the suffix, filename pattern and year filters to a key.
// A zero year disables the year filter.
func Match(key, suffix string, pattern *regexp.Regexp, year int) bool {
	if !strings.HasSuffix(key, suffix) {
		return false
	}
	stem := Stem(key)
	if pattern != nil && !pattern.MatchString(stem) {
		return false
	}
	if year != 0 && !hasYearToken(stem, year) {
		return false
	}
	return true
}

// hasYearToken reports whether s contains year as a standalone 4-digit run.
func hasYearToken(s string, year int) bool {
	token := strconv.Itoa(year)
	for i := 0; ; {
		j := strings.Index(s[i:], token)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(token)
		before := start == 0 || !isDigit(s[start-1])
		after := end == len(s) || !isDigit(s[end])
		if before && after {
			return true
		}
		i = start + 1
	}
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
