package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/utils"

	_ "github.com/lib/pq"
)

const (
	postgresDumpCmd = "pg_dump"

	defaultPort     = 5432
	defaultDatabase = "postgres"
)

// Postgres dumps a single database with pg_dump in the custom archive format
type Postgres struct {
	log      *slog.Logger
	executor utils.CommandExecutor

	host     string
	port     int
	user     string
	password string
	database string

	serverVersion func(ctx context.Context) (uint64, error)
}

// Config of the postgres connection, Password takes precedence over PasswordFile
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	PasswordFile string
	Database     string
}

// New instantiates a new postgres dumper
func New(log *slog.Logger, config Config) (*Postgres, error) {
	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Database == "" {
		config.Database = defaultDatabase
	}

	password := config.Password
	if password == "" && config.PasswordFile != "" {
		raw, err := os.ReadFile(config.PasswordFile)
		if err != nil {
			return nil, backuperrors.ConfigurationError{Msg: "unable to read postgres password file", Err: err}
		}
		password = strings.TrimSpace(string(raw))
	}

	db := &Postgres{
		log:      log,
		executor: utils.NewExecutor(log),
		host:     config.Host,
		port:     config.Port,
		user:     config.User,
		password: password,
		database: config.Database,
	}
	db.serverVersion = db.queryServerVersion

	return db, nil
}

func (db *Postgres) Extension() string {
	return "backup"
}

// Probe figures out if the database is running and available for taking backups.
func (db *Postgres) Probe(ctx context.Context) error {
	dbc, err := db.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = dbc.Close()
	}()

	err = dbc.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("unable to ping postgres connection %w", err)
	}

	return nil
}

// Dump takes a dump of the database. A pg_dump older than the server is refused because it cannot
// export the server's catalog.
func (db *Postgres) Dump(ctx context.Context, destination string) error {
	serverMajor, err := db.serverVersion(ctx)
	if err != nil {
		return err
	}

	out, err := db.executor.ExecuteCommandWithOutput(ctx, postgresDumpCmd, nil, "--version")
	if err != nil {
		return fmt.Errorf("unable to detect pg_dump version: %s %w", out, err)
	}

	binaryMajor, err := db.extractVersion(out)
	if err != nil {
		return err
	}

	if binaryMajor < serverMajor {
		return fmt.Errorf("pg_dump version %d is older than the server version %d", binaryMajor, serverMajor)
	}

	args := []string{"--format=custom", "--file=" + destination}
	if db.host != "" {
		args = append(args, "--host="+db.host)
	}
	if db.port != 0 {
		args = append(args, "--port="+strconv.Itoa(db.port))
	}
	if db.user != "" {
		args = append(args, "--username="+db.user)
	}
	args = append(args, "--no-password", db.database)

	var env []string
	if db.password != "" {
		env = append(env, "PGPASSWORD="+db.password)
	}

	out, err = db.executor.ExecuteCommandWithOutput(ctx, postgresDumpCmd, env, args...)
	if err != nil {
		return fmt.Errorf("error running backup command: %s %w", out, err)
	}

	if _, err := os.Stat(destination); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("backup file was not created: %s", destination)
	}

	db.log.Debug("successfully took backup of postgres database", "database", db.database, "output", out)

	return nil
}

func (db *Postgres) open() (*sql.DB, error) {
	connString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", db.host, db.port, db.user, db.password, db.database)

	dbc, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("unable to open postgres connection %w", err)
	}

	return dbc, nil
}

func (db *Postgres) queryServerVersion(ctx context.Context) (uint64, error) {
	dbc, err := db.open()
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = dbc.Close()
	}()

	var versionNum int
	err = dbc.QueryRowContext(ctx, "SHOW server_version_num").Scan(&versionNum)
	if err != nil {
		return 0, fmt.Errorf("unable to detect postgres server version: %w", err)
	}

	// e.g. 160002 for 16.2
	return uint64(versionNum / 10000), nil
}

// extractVersion returns the major version of outputs like "pg_dump (PostgreSQL) 16.2" or "PostgreSQL 12.22 (Debian 12.22-1.pgdg120+1)"
func (db *Postgres) extractVersion(output string) (uint64, error) {
	_, rest, found := strings.Cut(output, "PostgreSQL")
	if !found {
		return 0, fmt.Errorf("unable to detect postgres version in output %q", output)
	}

	fields := strings.Fields(strings.TrimPrefix(rest, ")"))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unable to detect postgres version in output %q", output)
	}

	v, err := semver.NewVersion(fields[0])
	if err != nil {
		return 0, fmt.Errorf("unable to parse postgres version in %q: %w", output, err)
	}

	return v.Major(), nil
}
