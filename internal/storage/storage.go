// Package storage provides the cold-tier object storage abstraction.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the cold object store. Single-object operations
// are assumed strongly consistent. Implementations include S3 and the local
// filesystem for tests and development.
type ObjectStorage interface {
	// Upload copies a local file to objectPath in the store. Re-uploading
	// to the same path overwrites the object, which is what makes the
	// archival write step idempotent.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies the object at objectPath to a local file.
	// Returns ErrObjectNotFound if the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
