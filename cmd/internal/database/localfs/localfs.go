package localfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/metal-stack/dbbackup/cmd/internal/compress"
)

// MediaExtension is the artifact extension of media archives
const MediaExtension = "media.tar.gz"

// LocalFS archives a directory tree of media files
type LocalFS struct {
	datadir string
	log     *slog.Logger
}

func New(log *slog.Logger, datadir string) *LocalFS {
	return &LocalFS{
		datadir: datadir,
		log:     log,
	}
}

func (l *LocalFS) Extension() string {
	return MediaExtension
}

// Probe checks that the media directory exists
func (l *LocalFS) Probe(_ context.Context) error {
	if l.datadir == "" {
		return errors.New("media path must not be empty")
	}
	info, err := os.Stat(l.datadir)
	if err != nil {
		return fmt.Errorf("media path not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media path %s is not a directory", l.datadir)
	}
	return nil
}

// Dump puts the media directory into a tar.gz archive, the top folder is preserved
func (l *LocalFS) Dump(ctx context.Context, destination string) error {
	l.log.Debug("archiving media directory", "path", l.datadir)
	return compress.Archive(ctx, l.datadir, destination)
}
