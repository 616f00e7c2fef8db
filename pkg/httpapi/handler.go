// Package httpapi exposes the ingest engine over HTTP with JSON responses.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/itslive/stac-ingest/pkg/core"
	"github.com/itslive/stac-ingest/pkg/observability"
)

// Service is the engine surface the API needs.
type Service interface {
	Submit(ctx context.Context, req core.Request) (*core.Job, error)
	Status(ctx context.Context, id string, details bool) (*core.Job, error)
	Cancel(ctx context.Context, id string) (*core.Job, error)
	List(ctx context.Context, filter core.ListFilter) ([]*core.Job, int64, error)
}

type api struct {
	svc Service
	cfg *config
}

// Handler returns the HTTP handler for svc.
//
// Routes:
//
//	POST /ingest                            bucket, path|prefix, recursive, year, scheme, collection, method
//	POST /ingest/url                        url, collection, method
//	GET  /jobs                              status, page, page_size
//	GET  /jobs/page/{page}/status/{status}
//	GET  /jobs/{id}                         details
//	POST /jobs/{id}/cancel
//	GET  /collections
//	GET  /health
//	GET  /database
//
// WithRateLimit adds a per-client request limit ahead of every route.
func Handler(svc Service, opts ...Option) http.Handler {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	a := &api{svc: svc, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", a.ingestBucket)
	mux.HandleFunc("POST /ingest/url", a.ingestURL)
	mux.HandleFunc("GET /jobs", a.listJobs)
	mux.HandleFunc("GET /jobs/page/{page}/status/{status}", a.listJobsPage)
	mux.HandleFunc("GET /jobs/{id}", a.getJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", a.cancelJob)
	mux.HandleFunc("GET /collections", a.listCollections)
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /database", a.database)

	var h http.Handler = servertiming.Middleware(a.logRequests(a.limitRequests(mux)), nil)
	h = h2c.NewHandler(h, &http2.Server{})
	if cfg.middleware != nil {
		return cfg.middleware(h)
	}
	return h
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.cfg.logger.Debug("request processed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

type links struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

type acceptedResponse struct {
	JobID  string         `json:"job_id"`
	Status core.JobStatus `json:"status"`
	Links  links          `json:"links"`
}

type listResponse struct {
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Jobs     []*core.Job `json:"jobs"`
}

type cancelResponse struct {
	JobID   string         `json:"job_id"`
	Status  core.JobStatus `json:"status"`
	Message string         `json:"message"`
}

type errorResponse struct {
	Detail     string    `json:"detail"`
	StatusCode int       `json:"status_code"`
	Timestamp  time.Time `json:"timestamp"`
}

func (a *api) ingestBucket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := core.Request{
		Scheme:       q.Get("scheme"),
		Bucket:       q.Get("bucket"),
		Prefix:       q.Get("prefix"),
		CollectionID: q.Get("collection"),
		Method:       core.Method(q.Get("method")),
	}
	if req.Prefix == "" {
		req.Prefix = q.Get("path")
	}
	if req.Bucket == "" {
		a.writeError(w, fmt.Errorf("%w: bucket is required", core.ErrInvalidRequest))
		return
	}

	var err error
	if req.Recursive, err = boolParam(q.Get("recursive")); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Year, err = intParam(q.Get("year"), 0); err != nil {
		a.writeError(w, err)
		return
	}
	a.submit(w, r, req)
}

func (a *api) ingestURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := core.Request{
		URL:          q.Get("url"),
		CollectionID: q.Get("collection"),
		Method:       core.Method(q.Get("method")),
	}
	if req.URL == "" {
		a.writeError(w, fmt.Errorf("%w: url is required", core.ErrInvalidRequest))
		return
	}
	a.submit(w, r, req)
}

func (a *api) submit(w http.ResponseWriter, r *http.Request, req core.Request) {
	timing := observability.StartTiming(r.Context(), "submit", "create ingest job")
	job, err := a.svc.Submit(r.Context(), req)
	timing.Stop()
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		JobID:  job.ID,
		Status: job.Status,
		Links: links{
			Status:  "/jobs/" + job.ID,
			Details: "/jobs/" + job.ID + "?details=true",
		},
	})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 0)
	if err != nil {
		a.writeError(w, err)
		return
	}
	pageSize, err := intParam(q.Get("page_size"), 0)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.list(w, r, q.Get("status"), page, pageSize)
}

func (a *api) listJobsPage(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r.PathValue("page"), 0)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.list(w, r, r.PathValue("status"), page, 0)
}

func (a *api) list(w http.ResponseWriter, r *http.Request, status string, page, pageSize int) {
	st, err := core.ParseJobStatus(status)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if page < 0 || pageSize < 0 || pageSize > 100 {
		a.writeError(w, fmt.Errorf("%w: page out of range", core.ErrInvalidRequest))
		return
	}

	timing := observability.StartTiming(r.Context(), "list", "")
	jobs, total, err := a.svc.List(r.Context(), core.ListFilter{Status: st, Page: page, PageSize: pageSize})
	timing.Stop()
	if err != nil {
		a.writeError(w, err)
		return
	}
	if pageSize == 0 {
		pageSize = 10
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Total: total, Page: page, PageSize: pageSize, Jobs: jobs})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	details, err := boolParam(r.URL.Query().Get("details"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	timing := observability.StartTiming(r.Context(), "status", "")
	job, err := a.svc.Status(r.Context(), r.PathValue("id"), details)
	timing.Stop()
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.svc.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, core.ErrJobTerminal) && job != nil:
		writeJSON(w, http.StatusOK, cancelResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: "job already " + string(job.Status) + "; nothing to cancel",
		})
	case err != nil:
		a.writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, cancelResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: "cancellation requested; in-flight files stop at the next batch",
		})
	}
}

type collectionResponse struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Suffix      string   `json:"suffix"`
	Pattern     string   `json:"filename_regex,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

func (a *api) listCollections(w http.ResponseWriter, _ *http.Request) {
	out := []collectionResponse{}
	if reg := a.cfg.collections; reg != nil {
		for _, id := range reg.IDs() {
			c, _ := reg.Get(id)
			out = append(out, collectionResponse{
				ID:          c.ID,
				Description: c.Description,
				Suffix:      c.KeySuffix(),
				Pattern:     c.FilenameRegex,
				Sources:     c.Sources,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": out})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
}

func (a *api) database(w http.ResponseWriter, r *http.Request) {
	if a.cfg.dbCheck == nil {
		http.NotFound(w, r)
		return
	}
	timing := observability.StartTiming(r.Context(), "db", "ping")
	err := a.cfg.dbCheck(r.Context())
	timing.Stop()
	if err != nil {
		a.cfg.logger.Error("database check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": false, "timestamp": time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": true, "timestamp": time.Now().UTC()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidRequest),
		errors.Is(err, core.ErrUnknownMethod),
		errors.Is(err, core.ErrUnsupportedScheme),
		errors.Is(err, core.ErrUnknownCollection):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrJobTerminal):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyActiveJobs), errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrEngineShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	detail := err.Error()
	if code == http.StatusInternalServerError {
		a.cfg.logger.Error("request failed", "error", err)
		detail = http.StatusText(code)
	}
	writeJSON(w, code, errorResponse{Detail: detail, StatusCode: code, Timestamp: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func boolParam(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", core.ErrInvalidRequest, s)
	}
	return b, nil
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", core.ErrInvalidRequest, s)
	}
	return n, nil
}
