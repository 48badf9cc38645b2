package database

import "context"

// Dumper exports a database into a single file
type Dumper interface {
	// Probe figures out if the database is running and available for taking backups.
	Probe(ctx context.Context) error

	// Dump writes a complete, self-consistent export of the database to destination or fails.
	// The destination does not exist before the call.
	Dump(ctx context.Context, destination string) error

	// Extension is the default artifact extension of the dump format, e.g. "backup"
	Extension() string
}
