// Package stores provides an abstraction over object storage systems holding
// remote Volume state. The kernel relies on write-once and compare-and-swap
// puts rather than unconditional overwrites, so that uncoordinated writers
// racing to create the same object can never both succeed.
package stores

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"
)

// Sentinel conditions surfaced by Store implementations.
var (
	// ErrNotFound is returned by Get/GetRange for an absent object.
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned by PutIfAbsent when the object already exists.
	ErrExists = errors.New("object already exists")
	// ErrNotModified is returned by GetIfChanged when the object's etag
	// still matches the caller's.
	ErrNotModified = errors.New("object not modified")
	// ErrPreconditionFailed is returned by PutConditional when the object's
	// etag no longer matches the caller's expectation.
	ErrPreconditionFailed = errors.New("object etag precondition failed")
)

// Store provides an abstraction over object storage systems.
type Store interface {
	// Provider returns the name of the storage backend (e.g., "s3", "gcs", "azure", "fs").
	Provider() string

	// Exists checks if an object exists at the given path.
	Exists(ctx context.Context, path string) (bool, error)

	// Get returns a reader over the full object at the given path,
	// or ErrNotFound.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// GetRange returns a reader over the byte range [off, off+length) of the
	// object at the given path, or ErrNotFound.
	GetRange(ctx context.Context, path string, off, length int64) (io.ReadCloser, error)

	// GetIfChanged returns a reader over the object along with its current
	// etag. If etag is non-empty and still current, it returns ErrNotModified.
	GetIfChanged(ctx context.Context, path, etag string) (io.ReadCloser, string, error)

	// PutIfAbsent durably writes the object iff no object exists at the path,
	// and returns ErrExists otherwise. Two writers racing to create the same
	// path can never both succeed.
	PutIfAbsent(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error

	// PutConditional durably replaces the object iff its current etag matches
	// |etag|, returning the new etag. An empty |etag| requires that the
	// object not yet exist. On mismatch it returns ErrPreconditionFailed.
	PutConditional(ctx context.Context, path string, content io.ReaderAt, contentLength int64, etag string) (string, error)

	// List enumerates all objects under the given prefix. The callback
	// receives the path relative to the prefix and modification time of each
	// object. If the callback returns an error, listing is terminated and
	// that error is returned.
	List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error

	// Remove deletes the object at the given path.
	Remove(ctx context.Context, path string) error

	// IsAuthError returns true if the error represents an authorization
	// failure (e.g., missing permissions, bucket not found, access denied),
	// as distinct from transient or precondition errors.
	IsAuthError(error) bool
}

// Constructor is a function that creates a Store instance from a URL.
// Each storage backend provides its own constructor implementation.
type Constructor func(*url.URL) (Store, error)
