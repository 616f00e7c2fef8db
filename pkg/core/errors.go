package core

import (
	"context"
	"errors"
	"fmt"
)

// Request and lifecycle errors
var (
	ErrInvalidRequest     = errors.New("ingest: invalid request")
	ErrUnknownMethod      = errors.New("ingest: unknown upsert method")
	ErrUnsupportedScheme  = errors.New("ingest: unsupported source scheme")
	ErrJobNotFound        = errors.New("ingest: job not found")
	ErrJobTerminal        = errors.New("ingest: job already finished")
	ErrTooManyActiveJobs  = errors.New("ingest: too many active jobs")
	ErrUnknownCollection  = errors.New("ingest: unknown collection")
	ErrItemExists         = errors.New("ingest: item already exists")
	ErrSizeExceeded       = errors.New("ingest: file exceeds size limit")
	ErrTruncated          = errors.New("ingest: file truncated")
	ErrEngineShuttingDown = errors.New("ingest: engine is shutting down")
)

// ErrorKind classifies why a file or job failed.
type ErrorKind string

const (
	KindSizeExceeded ErrorKind = "size_exceeded"
	KindFetch        ErrorKind = "fetch"
	KindTruncated    ErrorKind = "truncated"
	KindDecodeStream ErrorKind = "decode_stream"
	KindGateway      ErrorKind = "gateway"
	KindCancelled    ErrorKind = "cancelled"
	KindEnumeration  ErrorKind = "enumeration"
	KindInterrupted  ErrorKind = "interrupted"
	KindInternal     ErrorKind = "internal"
)

// EnumerationError means the source could not be listed. It fails the job.
type EnumerationError struct {
	Source string
	Err    error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s: %v", e.Source, e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// FetchError means one file could not be fetched. It fails only that file.
type FetchError struct {
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DecodeReason names the rule a rejected line violated.
type DecodeReason string

const (
	ReasonMalformedJSON      DecodeReason = "malformed_json"
	ReasonMissingField       DecodeReason = "missing_field"
	ReasonInvalidGeometry    DecodeReason = "invalid_geometry"
	ReasonInvalidBBox        DecodeReason = "invalid_bbox"
	ReasonInvalidDatetime    DecodeReason = "invalid_datetime"
	ReasonCollectionMismatch DecodeReason = "collection_mismatch"
)

// DecodeError rejects a single line. The enclosing stream continues.
type DecodeError struct {
	Line   int
	Reason DecodeReason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Reason, e.Detail)
}

// StreamError means the line stream itself broke (for example a line longer
// than the buffer). It fails the file.
type StreamError struct {
	Line int
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("decode stream after line %d: %v", e.Line, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// GatewayError means the catalog rejected a batch. Earlier batches stay committed.
type GatewayError struct {
	Collection string
	Batch      int
	Err        error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("submit batch %d to %s: %v", e.Batch, e.Collection, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// KindOf classifies an error returned by file processing.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var (
		enumErr    *EnumerationError
		gatewayErr *GatewayError
		streamErr  *StreamError
		fetchErr   *FetchError
	)
	switch {
	case errors.As(err, &enumErr):
		return KindEnumeration
	case errors.As(err, &gatewayErr):
		return KindGateway
	case errors.Is(err, ErrSizeExceeded):
		return KindSizeExceeded
	case errors.Is(err, ErrTruncated):
		return KindTruncated
	case errors.As(err, &fetchErr):
		return KindFetch
	case errors.As(err, &streamErr):
		return KindDecodeStream
	}
	return KindInternal
}
