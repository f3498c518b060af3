// Package storage provides temporary and persistent file storage for mute jobs.
// It defines the Storage interface (port) and implementations for local disk
// and S3, plus the per-job Scope that owns every intermediate file of a run.
package storage

import (
	"context"
	"io"
	"log/slog"
)

// Storage defines the interface for temporary and persistent file storage.
type Storage interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp reads a temporary file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// NewScope creates the temporary resource scope for one job run.
	// The caller must Release the scope when the run ends.
	NewScope(jobID string, logger *slog.Logger) (*Scope, error)

	// UploadToS3 uploads data to S3 and returns the public URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	UploadToS3(ctx context.Context, key string, data io.Reader) (url string, err error)
}
