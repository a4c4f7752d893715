package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

type object struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// BlobStore keeps artifacts in memory and returns mem:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string]object),
	}
}

// PutObject stores the content under key, replacing any previous object.
func (s *BlobStore) PutObject(_ context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	s.mu.Lock()
	s.objects[key] = object{data: data, contentType: contentType, modTime: time.Now().UTC()}
	s.mu.Unlock()
	return "mem://" + key, nil
}

// GetObject returns a reader over a copy of the stored bytes.
func (s *BlobStore) GetObject(_ context.Context, key string) (io.ReadCloser, archive.ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, archive.ObjectInfo{}, fmt.Errorf("get %s: %w", key, archive.ErrObjectNotFound)
	}
	info := archive.ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		ModTime:     obj.modTime,
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), info, nil
}

// DeletePrefix removes every object whose key starts with prefix.
func (s *BlobStore) DeletePrefix(_ context.Context, prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return fmt.Errorf("prefix is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

// Keys lists stored keys in order, for tests and debugging.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
