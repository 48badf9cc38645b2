// Package encryption provides the encryption stage of the transform pipeline.
package encryption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/spf13/afero"
)

const (
	statusReadFailed  = "READ_FAILED"
	statusWriteFailed = "WRITE_FAILED"
)

// Encrypter encrypts and decrypts streams
type Encrypter interface {
	Encrypt(r io.Reader, w io.Writer) error
	Decrypt(r io.Reader, w io.Writer) error
	// Extension is appended to the name of an encrypted artifact
	Extension() string
}

// Stage applies an Encrypter to files of the scoped temp directory
type Stage struct {
	log *slog.Logger
	fs  afero.Fs
	enc Encrypter
}

// NewStage returns the encryption stage for the given encrypter
func NewStage(log *slog.Logger, fs afero.Fs, enc Encrypter) *Stage {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Stage{
		log: log,
		fs:  fs,
		enc: enc,
	}
}

func (s *Stage) Name() string {
	return "encrypt"
}

func (s *Stage) Suffix() string {
	return s.enc.Extension()
}

// Apply encrypts the file at inputPath and removes the plaintext afterwards.
// On failure the partially written ciphertext is removed.
func (s *Stage) Apply(ctx context.Context, inputPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	outputPath := inputPath + s.enc.Extension()

	err := s.encryptFile(inputPath, outputPath)
	if err != nil {
		if rmErr := s.fs.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.log.Error("unable to remove incomplete encrypted file", "path", outputPath, "error", rmErr)
		}

		var ee backuperrors.EncryptionError
		if errors.As(err, &ee) {
			return "", err
		}
		return "", backuperrors.EncryptionError{Status: statusWriteFailed, Err: err}
	}

	if err := s.fs.Remove(inputPath); err != nil {
		return "", fmt.Errorf("unable to remove plaintext file %s: %w", inputPath, err)
	}

	return outputPath, nil
}

func (s *Stage) encryptFile(inputPath, outputPath string) (err error) {
	in, err := s.fs.Open(inputPath)
	if err != nil {
		return backuperrors.EncryptionError{Status: statusReadFailed, Err: err}
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := s.fs.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return s.enc.Encrypt(in, out)
}
