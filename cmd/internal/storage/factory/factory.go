// Package factory creates the storage backend selected by the configuration.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/config"
	"github.com/metal-stack/dbbackup/cmd/internal/storage"
	"github.com/metal-stack/dbbackup/cmd/internal/storage/gcp"
	"github.com/metal-stack/dbbackup/cmd/internal/storage/local"
	"github.com/metal-stack/dbbackup/cmd/internal/storage/s3"
	"github.com/spf13/afero"
	"google.golang.org/api/option"
)

// New returns the configured storage backend. Missing required settings are reported before any i/o.
func New(ctx context.Context, log *slog.Logger, cfg config.StorageConfig, fs afero.Fs) (storage.Storage, error) {
	var (
		s   storage.Storage
		err error
	)

	switch cfg.Type {
	case config.StorageLocal, "":
		s, err = local.New(log.With("storage", config.StorageLocal), &local.StorageConfigLocal{
			Location: cfg.Local.Location,
			FS:       fs,
		})
	case config.StorageS3:
		s, err = s3.New(ctx, log.With("storage", config.StorageS3), &s3.StorageConfigS3{
			BucketName:   cfg.S3.Bucket,
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			ObjectPrefix: cfg.S3.Prefix,
			FS:           fs,
		})
	case config.StorageGCP:
		var opts []option.ClientOption
		if cfg.GCP.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCP.CredentialsFile))
		}
		if cfg.GCP.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.GCP.Endpoint))
		}
		s, err = gcp.New(ctx, log.With("storage", config.StorageGCP), &gcp.StorageConfigGCP{
			BucketName:   cfg.GCP.Bucket,
			ObjectPrefix: cfg.GCP.Prefix,
			FS:           fs,
			ClientOpts:   opts,
		})
	default:
		return nil, backuperrors.StorageError{Backend: cfg.Type, Op: "init", Err: fmt.Errorf("unsupported storage type: %s", cfg.Type)}
	}
	if err != nil {
		return nil, err
	}

	log.Info("initialized storage", "type", s.Name())

	return s, nil
}
