// Package storage defines the Storage interface shared by every blob backend that holds
// published agent archives.
//
// Backends register themselves with the factory from an init() function in their own
// package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server blank-imports each backend so its init() runs. Adding a backend needs no change
// to the factory itself.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned (wrapped) when an object does not exist in the backend.
var ErrNotFound = errors.New("object not found")

// Storage defines the interface for all storage backends
type Storage interface {
	// Upload stores an object and returns its path, size and SHA256 checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// GetURL returns a time-limited download URL valid for ttl.
	// Cloud backends presign against the provider; the local backend signs a /v1/files URL.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string
}

// AgentObjectPath builds the key for one uploaded archive. The id segment keeps concurrent
// publishers of the same version from overwriting each other's blob.
func AgentObjectPath(name, version, id, ext string) string {
	return fmt.Sprintf("agents/%s/%s/%s.%s", name, version, id, ext)
}
