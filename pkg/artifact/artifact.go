// Package artifact defines the artifact storage boundary: versioned blobs
// produced by tasks. The mesh core only depends on the Store interface;
// in-memory and filesystem backends cover tests and local deployments.
package artifact

import (
	"context"
	"fmt"
)

// Ref identifies one saved artifact version.
type Ref struct {
	Filename  string `json:"filename"`
	Version   int    `json:"version"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// Store persists task artifacts. Versions are monotonically increasing
// integers per filename, starting at 1.
type Store interface {
	// Save writes a new version of filename and returns its ref.
	Save(ctx context.Context, taskID, filename string, data []byte, mimeType string) (Ref, error)

	// Load reads one artifact version.
	Load(ctx context.Context, filename string, version int) ([]byte, error)

	// List returns the refs produced by a task, in save order.
	List(ctx context.Context, taskID string) ([]Ref, error)
}

// ErrNotFound reports a missing artifact version.
type ErrNotFound struct {
	Filename string
	Version  int
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("artifact not found: %s v%d", e.Filename, e.Version)
}
