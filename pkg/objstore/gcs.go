package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore reads from Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a GCSStore. Anonymous access is used for public buckets.
func NewGCSStore(ctx context.Context, anonymous bool) (*GCSStore, error) {
	var opts []option.ClientOption
	if anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// NewGCSStoreFromClient wraps an existing client.
func NewGCSStoreFromClient(client *storage.Client) *GCSStore {
	return &GCSStore{client: client}
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		query := &storage.Query{Prefix: prefix}
		if !recursive {
			query.Delimiter = "/"
		}
		if err := query.SetAttrSelection([]string{"Name", "Size", "Etag"}); err != nil {
			yield(ObjectInfo{}, err)
			return
		}

		it := s.client.Bucket(bucket).Objects(ctx, query)
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield(ObjectInfo{}, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err))
				return
			}
			// Synthetic directory entries returned with a delimiter
			if attrs.Prefix != "" {
				continue
			}
			info := ObjectInfo{Key: attrs.Name, Size: attrs.Size, ETag: normalizeETag(attrs.Etag)}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (s *GCSStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, key, err)
	}
	return r, nil
}
