// Package blobstore abstracts the managed blob object store that backs the
// event pipeline. All durable state in the system lives here, either as
// append-only event objects or as per-job snapshot objects.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key        string    `json:"pathname"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// ObjectStore is the minimal surface the pipeline needs from a blob
// backend. Objects are immutable: Put with an existing key overwrites the
// whole object, which the pipeline only does for snapshots and the index.
type ObjectStore interface {
	// Put stores data under key and returns the object's metadata.
	Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error)

	// Get returns the full contents of the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns metadata for every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the object at key. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, key string) error
}
