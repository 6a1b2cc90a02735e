// Package storage provides object storage abstractions for durable archive
// writes.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations. ErrTransient wraps failures worth
// retrying; anything else is treated as fatal by the archiver.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrTransient      = errors.New("transient storage failure")
	ErrPutFailed      = errors.New("put failed")
)

// ObjectStore abstracts durable blob storage for archive batches.
// Implementations include S3 and local filesystem for testing.
type ObjectStore interface {
	// Put writes an object. metadata is attached to the object where
	// the backend supports it.
	Put(ctx context.Context, objectPath string, data []byte, metadata map[string]string) error

	// Get reads an object's content.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an object.
	Delete(ctx context.Context, objectPath string) error
}

// IsTransient reports whether a storage error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
