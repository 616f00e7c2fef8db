package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type memObject struct {
	data []byte
	size int64
}

// Memory is an in-process Store used by tests and local runs.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string]memObject
	opens   map[string]int

	// ListErr, when set, fails every List call.
	ListErr error
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]map[string]memObject),
		opens:   make(map[string]int),
	}
}

// Put stores data under bucket/key.
func (m *Memory) Put(bucket, key string, data []byte) {
	m.PutSized(bucket, key, data, int64(len(data)))
}

// PutSized stores data but reports size in listings. It lets tests describe
// very large or truncated objects without allocating them.
func (m *Memory) PutSized(bucket, key string, data []byte, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string]memObject)
	}
	m.buckets[bucket][key] = memObject{data: append([]byte(nil), data...), size: size}
}

// Opens reports how many times bucket/key was opened.
func (m *Memory) Opens(bucket, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[bucket+"/"+key]
}

func (m *Memory) List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		if m.ListErr != nil {
			yield(ObjectInfo{}, m.ListErr)
			return
		}

		m.mu.Lock()
		var infos []ObjectInfo
		for key, obj := range m.buckets[bucket] {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if !recursive && strings.Contains(key[len(prefix):], "/") {
				continue
			}
			infos = append(infos, ObjectInfo{Key: key, Size: obj.size, ETag: etagOf(obj.data)})
		}
		m.mu.Unlock()

		slices.SortFunc(infos, func(a, b ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (m *Memory) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens[bucket+"/"+key]++
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("mem://%s/%s: %w", bucket, key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func etagOf(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
