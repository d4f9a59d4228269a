package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// LocalStore keeps artifacts on the local filesystem.
//
// Layout: {root}/{filename}/v{version} for blobs, {root}/.tasks/{taskID}.json
// for per-task ref indexes. Filenames are flattened into a single path
// segment, so name collisions across directories are on the caller.
type LocalStore struct {
	root string
	mu   sync.Mutex
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root directory is required")
	}
	if err := os.MkdirAll(filepath.Join(root, ".tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) dirFor(filename string) string {
	safe := strings.ReplaceAll(filename, string(os.PathSeparator), "_")
	return filepath.Join(s.root, safe)
}

// Save implements Store.
func (s *LocalStore) Save(ctx context.Context, taskID, filename string, data []byte, mimeType string) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dirFor(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	version, err := latestVersion(dir)
	if err != nil {
		return Ref{}, err
	}
	version++

	path := filepath.Join(dir, fmt.Sprintf("v%d", version))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("failed to write artifact: %w", err)
	}

	ref := Ref{
		Filename:  filename,
		Version:   version,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}
	if err := s.appendTaskRef(taskID, ref); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Load implements Store.
func (s *LocalStore) Load(ctx context.Context, filename string, version int) ([]byte, error) {
	path := filepath.Join(s.dirFor(filename), fmt.Sprintf("v%d", version))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &ErrNotFound{Filename: filename, Version: version}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *LocalStore) List(ctx context.Context, taskID string) ([]Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.taskIndexPath(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task index: %w", err)
	}
	var refs []Ref
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("failed to decode task index: %w", err)
	}
	return refs, nil
}

func (s *LocalStore) taskIndexPath(taskID string) string {
	return filepath.Join(s.root, ".tasks", taskID+".json")
}

func (s *LocalStore) appendTaskRef(taskID string, ref Ref) error {
	path := s.taskIndexPath(taskID)
	var refs []Ref
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &refs); err != nil {
			return fmt.Errorf("failed to decode task index: %w", err)
		}
	}
	refs = append(refs, ref)
	data, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("failed to encode task index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task index: %w", err)
	}
	return nil
}

func latestVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list artifact dir: %w", err)
	}
	versions := make([]int, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "v") {
			continue
		}
		if v, err := strconv.Atoi(name[1:]); err == nil {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return 0, nil
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
