// Package memory keeps pagewatch state in process memory for development,
// tests and the "memory" storage driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/storage/local"
)

// BlobStore is an in-memory object store with the same contract as
// local.BlobStore. It backs the page cache when no cache directory is set.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *BlobStore) Put(_ context.Context, key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the object under key or local.ErrNotExist.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, local.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

// Delete removes key. Missing keys are not an error.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns the objects whose key ends with suffix, sorted by key.
func (s *BlobStore) List(_ context.Context, suffix string) ([]local.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]local.ObjectInfo, 0, len(s.data))
	for key, data := range s.data {
		if strings.HasSuffix(key, suffix) {
			out = append(out, local.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
