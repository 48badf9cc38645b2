package rethinkdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/metal-stack/dbbackup/cmd/internal/utils"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

const (
	connectionTimeout = 1 * time.Second

	rethinkDBDumpCmd = "rethinkdb-dump"

	emptyDumpOutput = "0 rows exported from 0 tables, with 0 secondary indexes, and 0 hook functions"
)

// RethinkDB dumps all databases with rethinkdb-dump into a tar.gz archive
type RethinkDB struct {
	url          string
	passwordFile string
	log          *slog.Logger
	executor     utils.CommandExecutor
}

// New instantiates a new rethinkdb dumper
func New(log *slog.Logger, url string, passwordFile string) *RethinkDB {
	if url == "" {
		url = "localhost:28015"
	}
	return &RethinkDB{
		log:          log,
		url:          url,
		passwordFile: passwordFile,
		executor:     utils.NewExecutor(log),
	}
}

func (db *RethinkDB) Extension() string {
	return "tar.gz"
}

// Dump takes a backup of the database
func (db *RethinkDB) Dump(ctx context.Context, destination string) error {
	args := []string{"-f", destination}
	if db.passwordFile != "" {
		args = append(args, "--password-file="+db.passwordFile)
	}
	if db.url != "" {
		args = append(args, "--connect="+db.url)
	}

	out, err := db.executor.ExecuteCommandWithOutput(ctx, rethinkDBDumpCmd, nil, args...)
	if err != nil {
		return fmt.Errorf("error running backup command: %s %w", out, err)
	}

	if strings.Contains(out, emptyDumpOutput) {
		return errors.New("the database is empty, taking a backup is not yet possible")
	}

	if _, err := os.Stat(destination); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("backup file was not created: %s", destination)
	}

	db.log.Debug("successfully took backup of rethinkdb database", "output", out)

	return nil
}

// Probe figures out if the database is running and available for taking backups.
func (db *RethinkDB) Probe(ctx context.Context) error {
	var password string
	if db.passwordFile != "" {
		passwordRaw, err := os.ReadFile(db.passwordFile)
		if err != nil {
			return fmt.Errorf("unable to read rethinkdb password file at %s: %w", db.passwordFile, err)
		}
		password = strings.TrimSpace(string(passwordRaw))
	}

	session, err := r.Connect(r.ConnectOpts{
		Address:  db.url,
		Username: "admin",
		Password: password,
		Timeout:  connectionTimeout,
	})
	if err != nil {
		return fmt.Errorf("cannot create rethinkdb client: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	cursor, err := r.DB("rethinkdb").Table("server_status").Run(session, r.RunOpts{Context: ctx})
	if err != nil {
		return fmt.Errorf("error retrieving rethinkdb server status: %w", err)
	}
	_ = cursor.Close()

	return nil
}
