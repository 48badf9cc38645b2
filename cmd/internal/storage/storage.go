// Package storage defines the contract every backup storage backend implements.
package storage

import (
	"context"
	"io"
)

// Storage persists backup artifacts.
//
// Implementations must be safe for concurrent use. Delete returns a NotFoundError
// when the backend can tell that the object is absent, any other failure is a StorageError.
type Storage interface {
	// Name of the backend, used in logs and errors
	Name() string
	// Write uploads the file at localPath under its base name, an existing object of the same name is replaced
	Write(ctx context.Context, localPath string) error
	// List returns the names of all artifacts relative to the backup root, in no particular order
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
	Read(ctx context.Context, name string) (io.ReadCloser, error)
}
