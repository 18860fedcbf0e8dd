package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Object is an archived artifact held in memory.
type Object struct {
	ContentType string
	Data        []byte
}

// ArchiveStore keeps archived summaries in memory and returns memory:// URIs.
type ArchiveStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewArchiveStore creates an empty in-memory archive.
func NewArchiveStore() *ArchiveStore {
	return &ArchiveStore{objects: make(map[string]Object)}
}

// PutObject stores the body under path, replacing any previous object.
func (s *ArchiveStore) PutObject(_ context.Context, path string, contentType string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{ContentType: contentType, Data: data}
	return "memory://" + path, nil
}

// Get returns a copy of the object stored at path.
func (s *ArchiveStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Paths lists stored object paths in lexical order.
func (s *ArchiveStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
