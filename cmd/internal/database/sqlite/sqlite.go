package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite"
)

// SQLite copies a database file consistently with VACUUM INTO
type SQLite struct {
	log  *slog.Logger
	path string
}

// New instantiates a new sqlite dumper for the database file at path
func New(log *slog.Logger, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite database path must not be empty")
	}
	return &SQLite{
		log:  log,
		path: path,
	}, nil
}

func (db *SQLite) Extension() string {
	return "sqlite3"
}

// Probe checks that the database file exists and is a readable sqlite database
func (db *SQLite) Probe(ctx context.Context) error {
	dbc, err := db.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = dbc.Close()
	}()

	var result string
	err = dbc.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("unable to check sqlite database %s: %w", db.path, err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite database %s is corrupt: %s", db.path, result)
	}

	return nil
}

// Dump writes a compacted copy of the database to destination. Concurrent writers are not blocked
// longer than a read transaction.
func (db *SQLite) Dump(ctx context.Context, destination string) error {
	dbc, err := db.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = dbc.Close()
	}()

	_, err = dbc.ExecContext(ctx, "VACUUM INTO ?", destination)
	if err != nil {
		return fmt.Errorf("unable to copy sqlite database %s: %w", db.path, err)
	}

	db.log.Debug("successfully took backup of sqlite database", "path", db.path)

	return nil
}

// open refuses missing files, sqlite would create an empty database otherwise
func (db *SQLite) open() (*sql.DB, error) {
	if _, err := os.Stat(db.path); err != nil {
		return nil, fmt.Errorf("sqlite database not accessible: %w", err)
	}

	dbc, err := sql.Open("sqlite", db.path)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database %s: %w", db.path, err)
	}

	return dbc, nil
}
