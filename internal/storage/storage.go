// Package storage provides the object storage backends used to archive
// sealed segments, their index files and snapshots off the host.
package storage

import (
	"context"

	logerr "github.com/arkilian/eventlog/internal/errors"
)

// Storage errors. They match with errors.Is on category and code, so a
// backend may return them with extra details or a wrapped cause.
var (
	ErrObjectNotFound = logerr.NewStorageError(logerr.CodeObjectNotFound, "object not found", nil)
	ErrUploadFailed   = logerr.NewStorageError(logerr.CodeUploadFailed, "upload failed", nil)
	ErrDownloadFailed = logerr.NewStorageError(logerr.CodeDownloadFailed, "download failed", nil)
	ErrDeleteFailed   = logerr.NewStorageError(logerr.CodeIOFailure, "delete failed", nil)
)

// ObjectStorage abstracts an object store.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the local file to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads large files in parts and returns the
	// object's ETag for validation.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies objectPath to localPath, creating parent directories.
	// A missing object yields ErrObjectNotFound.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of concurrent part uploads (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}

func uploadError(objectPath string, cause error) error {
	return logerr.NewStorageError(logerr.CodeUploadFailed, "upload failed", cause).
		WithDetails(map[string]interface{}{"object": objectPath})
}

func downloadError(objectPath string, cause error) error {
	return logerr.NewStorageError(logerr.CodeDownloadFailed, "download failed", cause).
		WithDetails(map[string]interface{}{"object": objectPath})
}

func notFound(objectPath string) error {
	return logerr.NewStorageError(logerr.CodeObjectNotFound, "object not found", nil).
		WithDetails(map[string]interface{}{"object": objectPath})
}
