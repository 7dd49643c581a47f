// Package storage uploads export artifacts to S3-compatible object storage.
package storage

import (
	"context"
	"io"
)

// ObjectStorage is where finished CSV exports are copied.
type ObjectStorage interface {
	// Upload stores size bytes from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// GetURL returns the public link of an object.
	GetURL(key string) string
}
