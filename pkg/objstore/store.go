// Package objstore provides listing and streaming reads over object storage.
package objstore

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
)

// ErrNotFound is returned by Open when the object does not exist.
var ErrNotFound = errors.New("objstore: object not found")

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Store lists and reads objects in a bucket.
type Store interface {
	// List yields objects under prefix in key order. Without recursive only
	// objects directly under prefix are returned ("/" delimiter).
	List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error]

	// Open streams one object. The caller closes the reader.
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

func normalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}
