package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	dialTimeout = 10 * time.Second
)

// snapshotter is the part of the etcd maintenance api needed to take backups
type snapshotter interface {
	Snapshot(ctx context.Context) (io.ReadCloser, error)
	Status(ctx context.Context, endpoint string) (*clientv3.StatusResponse, error)
}

// Etcd takes snapshots through the v3 maintenance api
type Etcd struct {
	log       *slog.Logger
	fs        afero.Fs
	endpoints []string
	tls       *tls.Config

	connect func() (snapshotter, io.Closer, error)
}

// Config of the etcd connection, the certificates are optional
type Config struct {
	Endpoints []string
	CACert    string
	Cert      string
	Key       string
	FS        afero.Fs
}

// New instantiates a new etcd dumper
func New(log *slog.Logger, config Config) (*Etcd, error) {
	if len(config.Endpoints) == 0 {
		config.Endpoints = []string{"http://localhost:2379"}
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	db := &Etcd{
		log:       log,
		fs:        config.FS,
		endpoints: config.Endpoints,
	}

	if config.CACert != "" || config.Cert != "" || config.Key != "" {
		tlsInfo := transport.TLSInfo{
			CertFile:      config.Cert,
			KeyFile:       config.Key,
			TrustedCAFile: config.CACert,
		}
		tlsConfig, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("unable to create etcd tls config: %w", err)
		}
		db.tls = tlsConfig
	}

	db.connect = db.newClient

	return db, nil
}

func (db *Etcd) Extension() string {
	return "db"
}

// Probe indicates whether the database is running
func (db *Etcd) Probe(ctx context.Context) error {
	cli, closer, err := db.connect()
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()

	_, err = cli.Status(ctx, db.endpoints[0])
	if err != nil {
		return fmt.Errorf("unable to check cluster health: %w", err)
	}
	return nil
}

// Dump streams a snapshot of the keyspace to destination
func (db *Etcd) Dump(ctx context.Context, destination string) (err error) {
	cli, closer, err := db.connect()
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()

	rc, err := cli.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("unable to request snapshot: %w", err)
	}
	defer func() {
		_ = rc.Close()
	}()

	f, err := db.fs.Create(destination)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	n, err := io.Copy(f, rc)
	if err != nil {
		return fmt.Errorf("error receiving snapshot: %w", err)
	}
	if n == 0 {
		return errors.New("received empty snapshot")
	}

	db.log.Info("took snapshot of etcd database", "bytes", n)

	return nil
}

func (db *Etcd) newClient() (snapshotter, io.Closer, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   db.endpoints,
		DialTimeout: dialTimeout,
		TLS:         db.tls,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create etcd client: %w", err)
	}
	return cli, cli, nil
}
