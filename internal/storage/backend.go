// Package storage defines the Backend interface for asset storage and a
// factory for selecting a concrete backend at startup. Implementations
// handle raw object I/O (S3, local filesystem); callers treat path ids as
// opaque keys and never learn which physical backend is active.
package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned by Retrieve when no object exists at the key.
	ErrNotFound = errors.New("storage: object not found")

	// ErrAlreadyExists is returned by Store when the category requires
	// unique keys and the key is already taken.
	ErrAlreadyExists = errors.New("storage: object already exists")
)

// Category identifies an asset class and carries its storage policy.
// Avatars (including realm icons, logos, and emoji) are content-addressed:
// re-uploading the same key overwrites. Message attachments and export
// tarballs get a fresh key per upload, so an existing key is refused.
type Category struct {
	// Name is the stable identifier, also used as the local subdirectory
	// and in metrics labels.
	Name string

	// Unique is true when a Store against an existing key must fail.
	Unique bool
}

var (
	Attachments = Category{Name: "files", Unique: true}
	Avatars     = Category{Name: "avatars", Unique: false}
	Exports     = Category{Name: "exports", Unique: true}
)

// ObjectInfo describes one stored object in a listing.
type ObjectInfo struct {
	PathID    string
	CreatedAt time.Time
}

// Backend is the uniform contract over physical storage. All operations are
// synchronous: a backend may retry transient failures internally, but it
// does not return until the operation has concluded or definitively failed.
type Backend interface {
	// Store persists the payload at pathID. For unique categories an
	// existing key yields ErrAlreadyExists; content-addressed categories
	// overwrite (last writer wins).
	Store(ctx context.Context, cat Category, pathID string, body io.Reader, size int64, contentType string) error

	// Retrieve returns the payload and its content type.
	// Returns ErrNotFound if no object exists at pathID.
	Retrieve(ctx context.Context, cat Category, pathID string) (io.ReadCloser, string, error)

	// Delete removes the object and reports whether anything was deleted.
	// A missing key is not an error: the result is simply false.
	Delete(ctx context.Context, cat Category, pathID string) (bool, error)

	// DeleteMany removes the given keys best-effort: a failure on one key
	// does not prevent attempts on the rest.
	DeleteMany(ctx context.Context, cat Category, pathIDs []string)

	// ListAll lazily enumerates every object in a category, bounded by the
	// backend contents at call time. The sequence is restartable from the
	// beginning only; a non-nil error ends the sequence.
	ListAll(ctx context.Context, cat Category) iter.Seq2[ObjectInfo, error]

	// PublicURL builds a fetchable URL for the object by pure string
	// construction against the backend's public root.
	PublicURL(cat Category, pathID string) string

	// SignedURL builds a time-limited URL for objects that are not
	// publicly readable (export tarballs on private buckets). May perform
	// a local signing computation but no network I/O.
	SignedURL(ctx context.Context, cat Category, pathID string, expires time.Duration) (string, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
