// Package storage holds the videos a session works with: uploaded inputs and
// finished outputs live in a local temp directory, and finished outputs can
// optionally be published to S3.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for session video storage.
type Storage interface {
	// SaveTemp writes data to a new temporary file and returns its path.
	// The name parameter is used as a prefix for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp opens a temporary file previously returned by SaveTemp.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// UploadToS3 uploads data to S3 and returns the object URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	UploadToS3(ctx context.Context, key string, data io.Reader) (url string, err error)
}

// OutputKey returns the object key under which a session's finished video is
// published.
func OutputKey(sessionID, filename string) string {
	return "patina/" + sessionID + "/" + filename
}
