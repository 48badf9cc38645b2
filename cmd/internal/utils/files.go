package utils

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"

	"github.com/spf13/afero"
)

// Copy copies a file from source to a destination, the destination is truncated if it exists
func Copy(fs afero.Fs, src, dst string) (err error) {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(out, in)
	if err != nil {
		return err
	}

	return nil
}

func IsCommandPresent(command string) bool {
	p, err := exec.LookPath(command)
	if err != nil {
		return false
	}

	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return false
	}

	return true
}
