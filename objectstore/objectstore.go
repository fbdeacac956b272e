// Package objectstore declares the blob-storage contract (component B):
// upload/list/retrieve/delete opaque bytes by id. Three interchangeable
// backends exist — memory, fs, s3 — so tests and local tooling never need
// the real S3/MinIO dependency.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/Retrieve/Delete when id does not exist.
// Per spec §4.2, deleting a missing id is itself an error (not idempotent).
var ErrNotFound = errors.New("objectstore: not found")

// Object is the metadata+bytes shape returned by Retrieve.
type Object struct {
	ID           string
	Size         int64
	LastModified time.Time
	Bytes        []byte
}

// Store is the object-store contract every backend satisfies.
type Store interface {
	// Upload stores bytes and returns a newly minted opaque id. suggestedExt
	// (e.g. "txt", "pdf", no leading dot) is appended to the id so
	// content-type can later be inferred from the name alone; pass "" when
	// there is no extension to preserve.
	Upload(ctx context.Context, data []byte, suggestedExt string) (id string, err error)
	Get(ctx context.Context, id string) ([]byte, error)
	Retrieve(ctx context.Context, id string) (Object, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Object, error)
}
