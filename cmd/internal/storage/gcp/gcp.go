package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/spf13/afero"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const backendName = "gcp"

// StorageGCP stores artifacts in a google cloud storage bucket
type StorageGCP struct {
	fs     afero.Fs
	log    *slog.Logger
	c      *storage.Client
	config *StorageConfigGCP
}

// StorageConfigGCP provides configuration for the StorageGCP
type StorageConfigGCP struct {
	BucketName   string
	ObjectPrefix string
	FS           afero.Fs
	ClientOpts   []option.ClientOption
}

func (c *StorageConfigGCP) validate() error {
	if c.BucketName == "" {
		return errors.New("gcp bucket name must not be empty")
	}
	for _, opt := range c.ClientOpts {
		if opt == nil {
			return errors.New("option can not be nil")
		}
	}

	return nil
}

// New returns a GCP storage
func New(ctx context.Context, log *slog.Logger, config *StorageConfigGCP) (*StorageGCP, error) {
	if config == nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: errors.New("gcp storage requires a config")}
	}

	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}
	config.ObjectPrefix = strings.Trim(config.ObjectPrefix, "/")

	err := config.validate()
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: err}
	}

	client, err := storage.NewClient(ctx, config.ClientOpts...)
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: err}
	}

	return &StorageGCP{
		c:      client,
		config: config,
		log:    log,
		fs:     config.FS,
	}, nil
}

func (s *StorageGCP) Name() string {
	return backendName
}

// Write uploads the file, an existing object with the same name is replaced
func (s *StorageGCP) Write(ctx context.Context, localPath string) error {
	r, err := s.fs.Open(localPath)
	if err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "write", Err: err}
	}
	defer func() {
		_ = r.Close()
	}()

	destination := s.objectName(filepath.Base(localPath))

	s.log.Debug("uploading object", "src", localPath, "dest", destination)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.c.Bucket(s.config.BucketName).Object(destination).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		// canceling the context aborts the upload, the object is not created
		cancel()
		_ = w.Close()
		return backuperrors.StorageError{Backend: backendName, Op: "write", Err: err}
	}

	// the object is only committed on close
	if err := w.Close(); err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "write", Err: err}
	}

	return nil
}

// List returns the objects directly below the object prefix
func (s *StorageGCP) List(ctx context.Context) ([]string, error) {
	query := &storage.Query{
		Delimiter: "/",
	}
	if s.config.ObjectPrefix != "" {
		query.Prefix = s.config.ObjectPrefix + "/"
	}

	it := s.c.Bucket(s.config.BucketName).Objects(ctx, query)

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, backuperrors.StorageError{Backend: backendName, Op: "list", Err: err}
		}

		// synthetic directory entries only carry a prefix
		if attrs.Name == "" {
			continue
		}

		names = append(names, strings.TrimPrefix(attrs.Name, query.Prefix))
	}

	return names, nil
}

func (s *StorageGCP) Delete(ctx context.Context, name string) error {
	err := s.c.Bucket(s.config.BucketName).Object(s.objectName(name)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return backuperrors.NotFoundError{Name: name}
	}
	if err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "delete", Err: err}
	}

	s.log.Debug("deleted object", "name", name)

	return nil
}

func (s *StorageGCP) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.c.Bucket(s.config.BucketName).Object(s.objectName(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, backuperrors.NotFoundError{Name: name}
	}
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "read", Err: fmt.Errorf("opening %s: %w", name, err)}
	}

	return r, nil
}

func (s *StorageGCP) objectName(name string) string {
	if s.config.ObjectPrefix == "" {
		return name
	}
	return s.config.ObjectPrefix + "/" + name
}
