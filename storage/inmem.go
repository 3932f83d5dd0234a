package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory is an in-memory ObjectStore. It backs tests and standalone runs
// the same way a real bucket gateway would, including idempotent re-puts of
// content-addressed keys.
type InMemory struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func NewInMemory() *InMemory {
	return &InMemory{buckets: make(map[string]map[string][]byte)}
}

func (s *InMemory) CreateBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string][]byte)
	}
	return nil
}

func (s *InMemory) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %q does not exist", bucket)
	}
	b[key] = append([]byte(nil), body...)
	return nil
}

func (s *InMemory) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	body, ok := b[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (s *InMemory) ListObjects(ctx context.Context, bucket string) ([]Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	objects := make([]Object, 0, len(b))
	for key, body := range b {
		objects = append(objects, Object{Key: key, Size: int64(len(body))})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *InMemory) PresignedGetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return "", ErrNotFound
	}
	if _, ok := b[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("mem://%s/%s", bucket, key), nil
}
