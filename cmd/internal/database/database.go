// Package database creates the dump collaborators of the configured databases.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/config"
	"github.com/metal-stack/dbbackup/cmd/internal/database/etcd"
	"github.com/metal-stack/dbbackup/cmd/internal/database/localfs"
	"github.com/metal-stack/dbbackup/cmd/internal/database/postgres"
	"github.com/metal-stack/dbbackup/cmd/internal/database/redis"
	"github.com/metal-stack/dbbackup/cmd/internal/database/rethinkdb"
	"github.com/metal-stack/dbbackup/cmd/internal/database/sqlite"
	"github.com/metal-stack/dbbackup/cmd/internal/probe"
)

// New returns the dumper for the configured database
func New(log *slog.Logger, cfg config.DatabaseConfig) (Dumper, error) {
	log = log.With("database", cfg.Name, "type", cfg.Type)

	var (
		d   Dumper
		err error
	)

	switch cfg.Type {
	case config.DatabasePostgres:
		d, err = postgres.New(log, postgres.Config{
			Host:         cfg.Host,
			Port:         cfg.Port,
			User:         cfg.User,
			Password:     cfg.Password,
			PasswordFile: cfg.PasswordFile,
			Database:     cfg.Database,
		})
	case config.DatabaseRedis:
		addr := cfg.Host
		if addr == "" {
			addr = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		d, err = redis.New(log, redis.Config{
			Addr:     addr + ":" + strconv.Itoa(port),
			Password: cfg.Password,
			DataDir:  cfg.DataDir,
		})
	case config.DatabaseEtcd:
		d, err = etcd.New(log, etcd.Config{
			Endpoints: cfg.Endpoints,
			CACert:    cfg.CACert,
			Cert:      cfg.Cert,
			Key:       cfg.Key,
		})
	case config.DatabaseRethinkDB:
		url := ""
		if cfg.Host != "" {
			url = cfg.Host
			if cfg.Port != 0 {
				url += ":" + strconv.Itoa(cfg.Port)
			}
		}
		d = rethinkdb.New(log, url, cfg.PasswordFile)
	case config.DatabaseSQLite:
		d, err = sqlite.New(log, cfg.Path)
	default:
		return nil, backuperrors.ConfigurationError{Msg: fmt.Sprintf("unsupported database type: %s", cfg.Type)}
	}
	if err != nil {
		return nil, backuperrors.ConfigurationError{Msg: fmt.Sprintf("database %q", cfg.Name), Err: err}
	}

	return d, nil
}

// NewMedia returns the dumper archiving the media directory
func NewMedia(log *slog.Logger, path string) Dumper {
	return localfs.New(log.With("media", path), path)
}

// Source produces the dump of one database for a backup run
type Source struct {
	name   string
	dumper Dumper

	log           *slog.Logger
	probeAttempts int
	probeInterval time.Duration
}

func NewSource(name string, dumper Dumper) *Source {
	return &Source{name: name, dumper: dumper, log: slog.Default(), probeAttempts: 1}
}

// WithProbeRetries lets the source wait for the database to become available before dumping
func (s *Source) WithProbeRetries(log *slog.Logger, attempts int, interval time.Duration) *Source {
	s.log = log.With("database", s.name)
	s.probeAttempts = attempts
	s.probeInterval = interval
	return s
}

// Produce probes the database and dumps it to destination, failures are DumpErrors
func (s *Source) Produce(ctx context.Context, destination string) error {
	if err := probe.Wait(ctx, s.log, s.dumper, s.probeAttempts, s.probeInterval); err != nil {
		return backuperrors.DumpError{Database: s.name, Err: fmt.Errorf("database not available: %w", err)}
	}
	if err := s.dumper.Dump(ctx, destination); err != nil {
		return backuperrors.DumpError{Database: s.name, Err: err}
	}
	return nil
}
