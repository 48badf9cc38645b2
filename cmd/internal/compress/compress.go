package compress

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/mholt/archiver/v3"
	"github.com/spf13/afero"
)

const (
	// Suffix is appended to the name of a compressed artifact
	Suffix = ".gz"

	chunkSize = 1024 * 1024
)

type (
	// Compressor is the gzip stage of the transform pipeline
	Compressor struct {
		log   *slog.Logger
		fs    afero.Fs
		level int
	}

	// CompressorConfig configures the Compressor
	CompressorConfig struct {
		FS    afero.Fs
		Level int
	}
)

// New returns a new Compressor
func New(log *slog.Logger, config *CompressorConfig) (*Compressor, error) {
	if config == nil {
		config = &CompressorConfig{}
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}
	if config.Level == 0 {
		config.Level = gzip.DefaultCompression
	}
	if config.Level < gzip.HuffmanOnly || config.Level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid compression level: %d", config.Level)
	}

	return &Compressor{
		log:   log,
		fs:    config.FS,
		level: config.Level,
	}, nil
}

func (c *Compressor) Name() string {
	return "compress"
}

func (c *Compressor) Suffix() string {
	return Suffix
}

// Apply compresses the file at inputPath into inputPath + ".gz" and removes the input.
// A partially written output is removed.
func (c *Compressor) Apply(ctx context.Context, inputPath string) (string, error) {
	outputPath := inputPath + Suffix

	err := c.compressFile(ctx, inputPath, outputPath)
	if err != nil {
		if rmErr := c.fs.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.log.Error("unable to remove incomplete compressed file", "path", outputPath, "error", rmErr)
		}
		return "", backuperrors.IncompleteCompressionError{Path: outputPath, Err: err}
	}

	if err := c.fs.Remove(inputPath); err != nil {
		return "", fmt.Errorf("unable to remove uncompressed file: %w", err)
	}

	return outputPath, nil
}

func (c *Compressor) compressFile(ctx context.Context, inputPath, outputPath string) (err error) {
	in, err := c.fs.Open(inputPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := c.fs.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return c.Compress(ctx, in, out)
}

// Compress writes the gzip stream of r to w in fixed-size chunks.
// The encoder is always closed, so every pending byte is flushed or an error is returned.
func (c *Compressor) Compress(ctx context.Context, r io.Reader, w io.Writer) (err error) {
	gz, err := pgzip.NewWriterLevel(w, c.level)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := gz.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("unable to flush compressed stream: %w", closeErr)
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, err := gz.Write(buf[:n]); err != nil {
				return fmt.Errorf("unable to write compressed stream: %w", err)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading input (%d bytes read): %w", n, err)
		}
	}
}

// Decompress writes the decompressed content of the gzip stream r to w
func (c *Compressor) Decompress(_ context.Context, r io.Reader, w io.Writer) error {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() {
		_ = gz.Close()
	}()

	buf := make([]byte, chunkSize)
	_, err = io.CopyBuffer(w, gz, buf)
	return err
}

// Archive writes the directory tree at sourceDir into a tar.gz archive at destination.
// The top level folder of sourceDir is preserved, relative paths are kept.
func Archive(ctx context.Context, sourceDir, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("media source not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media source %s is not a directory", sourceDir)
	}

	if _, err := os.Stat(destination); err == nil {
		return fmt.Errorf("archive %s already exists", destination)
	}

	// the archiver insists on a .tar.gz extension
	target := destination
	if !strings.HasSuffix(target, ".tar.gz") && !strings.HasSuffix(target, ".tgz") {
		target = destination + ".tar.gz"
	}

	tgz := archiver.NewTarGz()

	if err := tgz.Archive([]string{sourceDir}, target); err != nil {
		_ = os.Remove(target)
		return backuperrors.IncompleteCompressionError{Path: destination, Err: err}
	}

	if target != destination {
		if err := os.Rename(target, destination); err != nil {
			_ = os.Remove(target)
			return backuperrors.IncompleteCompressionError{Path: destination, Err: err}
		}
	}

	return nil
}

// Unarchive extracts a tar.gz archive into destination
func Unarchive(source, destination string) error {
	return archiver.NewTarGz().Unarchive(source, destination)
}
