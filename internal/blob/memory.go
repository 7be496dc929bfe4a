package blob

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Memory is an in-process Store. Presigned URLs use the mem:// scheme and
// are only meaningful to tests.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][]byte)}
}

func (m *Memory) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket][key]; !ok {
		return "", &Error{Op: "PresignGet", Bucket: bucket, Key: key, Err: ErrNotFound}
	}
	return fmt.Sprintf("mem://%s/%s?expires=%d", bucket, url.PathEscape(key), int(ttl.Seconds())), nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buckets[bucket][key]
	if !ok {
		return nil, &Error{Op: "Get", Bucket: bucket, Key: key, Err: ErrNotFound}
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string][]byte)
	}
	m.buckets[bucket][key] = append([]byte(nil), body...)
	return nil
}

func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *Memory) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

// Has reports whether the object exists.
func (m *Memory) Has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket][key]
	return ok
}
