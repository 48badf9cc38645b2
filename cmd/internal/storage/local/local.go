package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/utils"
	"github.com/spf13/afero"
)

const (
	backendName = "local"

	partialPrefix = ".partial-"
)

// StorageLocal stores artifacts in a directory of a filesystem
type StorageLocal struct {
	fs     afero.Fs
	log    *slog.Logger
	config *StorageConfigLocal
}

// StorageConfigLocal provides configuration for the StorageLocal
type StorageConfigLocal struct {
	// Location is the backup root directory
	Location string
	FS       afero.Fs
}

func (c *StorageConfigLocal) validate() error {
	if c.Location == "" {
		return errors.New("local storage location must not be empty")
	}
	return nil
}

// New returns a local storage, the backup root is created if it does not exist
func New(log *slog.Logger, config *StorageConfigLocal) (*StorageLocal, error) {
	if config == nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: errors.New("local storage requires a config")}
	}

	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	err := config.validate()
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: err}
	}

	info, err := config.FS.Stat(config.Location)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := config.FS.MkdirAll(config.Location, 0755); err != nil {
			return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: fmt.Errorf("could not create local backup directory: %w", err)}
		}
	case err != nil:
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: err}
	case !info.IsDir():
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: fmt.Errorf("%s is not a directory", config.Location)}
	}

	return &StorageLocal{
		config: config,
		log:    log,
		fs:     config.FS,
	}, nil
}

func (s *StorageLocal) Name() string {
	return backendName
}

// Write copies the file into the backup root. The file becomes visible under its final
// name only after it was written completely.
func (s *StorageLocal) Write(ctx context.Context, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := filepath.Base(localPath)
	destination := filepath.Join(s.config.Location, name)
	partial := filepath.Join(s.config.Location, partialPrefix+name)

	s.log.Debug("writing artifact", "src", localPath, "dest", destination)

	err := utils.Copy(s.fs, localPath, partial)
	if err != nil {
		_ = s.fs.Remove(partial)
		return backuperrors.StorageError{Backend: backendName, Op: "write", Err: err}
	}

	err = s.fs.Rename(partial, destination)
	if err != nil {
		_ = s.fs.Remove(partial)
		return backuperrors.StorageError{Backend: backendName, Op: "write", Err: err}
	}

	return nil
}

// List returns the files of the backup root
func (s *StorageLocal) List(_ context.Context) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.config.Location)
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "list", Err: err}
	}

	var names []string
	for _, info := range infos {
		if info.IsDir() || strings.HasPrefix(info.Name(), partialPrefix) {
			continue
		}
		names = append(names, info.Name())
	}

	return names, nil
}

func (s *StorageLocal) Delete(_ context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "delete", Err: err}
	}

	err = s.fs.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return backuperrors.NotFoundError{Name: name}
	}
	if err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "delete", Err: err}
	}

	s.log.Debug("deleted artifact", "name", name)

	return nil
}

func (s *StorageLocal) Read(_ context.Context, name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "read", Err: err}
	}

	f, err := s.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, backuperrors.NotFoundError{Name: name}
	}
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "read", Err: err}
	}

	return f, nil
}

// path resolves a name relative to the backup root and refuses names escaping it
func (s *StorageLocal) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(s.config.Location, name), nil
}
