// Package fetch opens source files for decoding.
//
// Objects are copied to a scratch file under the configured directory before
// decoding so a slow catalog never holds a network stream open. Sizes are
// checked against the limit and against the size declared at enumeration.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/jobctx"
	"github.com/itslive/stac-ingest/pkg/objstore"
	"github.com/itslive/stac-ingest/pkg/worker"
)

// DefaultTimeout bounds one whole fetch.
const DefaultTimeout = 30 * time.Minute

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithStore registers the object store serving a scheme.
func WithStore(scheme string, store objstore.Store) Option {
	return func(f *Fetcher) {
		f.stores[scheme] = store
	}
}

// WithHTTPClient sets the client for http and https sources.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithTmpDir sets the scratch directory. An empty dir streams without spooling.
func WithTmpDir(dir string) Option {
	return func(f *Fetcher) {
		f.tmpDir = dir
	}
}

// WithMaxFileSize sets the byte limit enforced while reading. Zero disables it.
func WithMaxFileSize(n int64) Option {
	return func(f *Fetcher) {
		f.maxFileSize = n
	}
}

// WithTimeout bounds one fetch.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithRetry sets the retry policy for opening a source.
func WithRetry(cfg worker.RetryConfig) Option {
	return func(f *Fetcher) {
		f.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// Fetcher opens sources by scheme.
type Fetcher struct {
	stores      map[string]objstore.Store
	client      *http.Client
	tmpDir      string
	maxFileSize int64
	timeout     time.Duration
	retry       worker.RetryConfig
	logger      *slog.Logger
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		stores:  make(map[string]objstore.Store),
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		retry:   worker.DefaultRetryConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open returns a reader over the whole content of src. The reader enforces
// the size limit and reports truncation at EOF. Every error is a
// *core.FetchError, including those returned later by Read.
func (f *Fetcher) Open(ctx context.Context, src core.Source) (io.ReadCloser, error) {
	location := src.Location()
	if f.maxFileSize > 0 && src.Size > f.maxFileSize {
		return nil, &core.FetchError{Location: location, Err: core.ErrSizeExceeded}
	}

	var (
		fetchCtx context.Context
		cancel   context.CancelFunc
	)
	if f.timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, f.timeout)
	} else {
		fetchCtx, cancel = context.WithCancel(ctx)
	}

	retry := f.retry
	if retry.OnRetry == nil {
		logger := jobctx.Logger(ctx, f.logger)
		retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Warn("retrying fetch", "attempt", attempt, "wait", wait, "error", err)
		}
	}

	var body io.ReadCloser
	err := worker.Retry(fetchCtx, retry, func() error {
		var openErr error
		body, openErr = f.open(fetchCtx, src)
		return openErr
	})
	if err != nil {
		cancel()
		return nil, &core.FetchError{Location: location, Err: err}
	}

	checked := &checkedReader{
		r:        body,
		location: location,
		limit:    f.maxFileSize,
		declared: src.Size,
	}

	if f.tmpDir == "" {
		return &stream{checkedReader: checked, closers: []func() error{body.Close, noErr(cancel)}}, nil
	}

	spool, err := f.spool(checked)
	body.Close()
	cancel()
	if err != nil {
		return nil, err
	}
	jobctx.Logger(ctx, f.logger).Debug("spooled source", "path", spool.Name())
	return spool, nil
}

func (f *Fetcher) open(ctx context.Context, src core.Source) (io.ReadCloser, error) {
	switch src.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, core.NoRetry(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := fmt.Errorf("GET %s: %s", src.URL, resp.Status)
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, core.NoRetry(err)
			}
			return nil, err
		}
		return resp.Body, nil
	}

	store, ok := f.stores[src.Scheme]
	if !ok {
		return nil, core.NoRetry(fmt.Errorf("%w: %q", core.ErrUnsupportedScheme, src.Scheme))
	}
	rc, err := store.Open(ctx, src.Bucket, src.Key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, core.NoRetry(err)
	}
	return rc, err
}

func (f *Fetcher) spool(r *checkedReader) (*spoolFile, error) {
	if err := os.MkdirAll(f.tmpDir, 0o755); err != nil {
		return nil, &core.FetchError{Location: r.location, Err: err}
	}
	tmp, err := os.CreateTemp(f.tmpDir, "ingest-*.ndjson")
	if err != nil {
		return nil, &core.FetchError{Location: r.location, Err: err}
	}
	sf := &spoolFile{File: tmp}

	if _, err := io.Copy(tmp, r); err != nil {
		sf.Close()
		var fetchErr *core.FetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &core.FetchError{Location: r.location, Err: err}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		sf.Close()
		return nil, &core.FetchError{Location: r.location, Err: err}
	}
	return sf, nil
}

// checkedReader counts bytes, enforces the limit and compares the total with
// the declared size at EOF.
type checkedReader struct {
	r        io.Reader
	location string
	limit    int64
	declared int64
	n        int64
}

func (c *checkedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	if c.limit > 0 && c.n > c.limit {
		return n, &core.FetchError{Location: c.location, Err: fmt.Errorf("%w: read %d bytes, limit %d", core.ErrSizeExceeded, c.n, c.limit)}
	}
	switch {
	case err == io.EOF:
		if c.declared >= 0 && c.n != c.declared {
			return n, &core.FetchError{Location: c.location, Err: fmt.Errorf("%w: read %d of %d bytes", core.ErrTruncated, c.n, c.declared)}
		}
		return n, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, &core.FetchError{Location: c.location, Err: fmt.Errorf("%w: %v", core.ErrTruncated, err)}
	case err != nil:
		return n, &core.FetchError{Location: c.location, Err: err}
	}
	return n, nil
}

type stream struct {
	*checkedReader
	closers []func() error
}

func (s *stream) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

type spoolFile struct {
	*os.File
}

// Close closes and removes the scratch file.
func (s *spoolFile) Close() error {
	closeErr := s.File.Close()
	if err := os.Remove(s.File.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}

func noErr(fn func()) func() error {
	return func() error {
		fn()
		return nil
	}
}
