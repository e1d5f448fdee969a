// Package protocol defines the uniform file-operation capability that every
// storage backend implements, plus the error taxonomy shared by all of them.
//
// Paths passed to an Adapter are always slash-separated and relative to the
// backend's configured base; each adapter maps them to its own wire format.
package protocol

import (
	"context"
	"io"
	"time"
)

// FileRecord describes one remote or local file as a backend sees it.
type FileRecord struct {
	// Path is the normalized, slash-separated path relative to the sync root.
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
	// ETag is an optional content checksum, set only when the backend can
	// produce one without reading the file body.
	ETag string
}

// Adapter is the per-backend capability interface.
//
// Write MUST be atomic from a reader's perspective: adapters write to a
// temporary name and rename/replace, so no reader ever observes a partially
// written file. All other guarantees are backend-dependent.
type Adapter interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error

	// List returns the direct children of dir ("" is the root).
	List(ctx context.Context, dir string) ([]*FileRecord, error)

	// Stat returns the record for path, or ErrNotFound.
	Stat(ctx context.Context, path string) (*FileRecord, error)

	// Open returns the file content. Callers must close the reader.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores r at path, creating missing parent directories.
	Write(ctx context.Context, path string, r io.Reader, size int64) error

	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)
}
