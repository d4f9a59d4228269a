package artifact

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu       sync.Mutex
	versions map[string]int            // filename -> latest version
	blobs    map[string]map[int][]byte // filename -> version -> data
	byTask   map[string][]Ref          // taskID -> refs in save order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]int),
		blobs:    make(map[string]map[int][]byte),
		byTask:   make(map[string][]Ref),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, taskID, filename string, data []byte, mimeType string) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.versions[filename] + 1
	s.versions[filename] = version

	if s.blobs[filename] == nil {
		s.blobs[filename] = make(map[int][]byte)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[filename][version] = stored

	ref := Ref{
		Filename:  filename,
		Version:   version,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}
	s.byTask[taskID] = append(s.byTask[taskID], ref)
	return ref, nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, filename string, version int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[filename][version]
	if !ok {
		return nil, &ErrNotFound{Filename: filename, Version: version}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, taskID string) ([]Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]Ref, len(s.byTask[taskID]))
	copy(refs, s.byTask[taskID])
	return refs, nil
}
