// Package storagetest verifies the behavior every storage backend has to provide.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Options of the contract run
type Options struct {
	// FS is the filesystem the storage reads uploads from
	FS afero.Fs
	// UploadDir is a directory in FS to stage uploads in
	UploadDir string
	// IdempotentDelete is set for backends which cannot tell that an object is absent
	IdempotentDelete bool
}

// Run exercises write, list, read and delete of s, which must be empty
func Run(t *testing.T, ctx context.Context, s storage.Storage, opts Options) {
	t.Helper()

	require.NoError(t, opts.FS.MkdirAll(opts.UploadDir, 0755))

	upload := func(t *testing.T, name, content string) {
		t.Helper()
		path := filepath.Join(opts.UploadDir, name)
		require.NoError(t, afero.WriteFile(opts.FS, path, []byte(content), 0600))
		require.NoError(t, s.Write(ctx, path))
	}

	read := func(t *testing.T, name string) string {
		t.Helper()
		r, err := s.Read(ctx, name)
		require.NoError(t, err)
		defer func() {
			_ = r.Close()
		}()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		return string(data)
	}

	t.Run("empty listing", func(t *testing.T) {
		names, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	var expected []string

	t.Run("write", func(t *testing.T) {
		for i := range 5 {
			name := fmt.Sprintf("orders-web1-2024-03-0%d-020000.backup.gz", i+1)
			upload(t, name, fmt.Sprintf("precious data %d", i))
			expected = append(expected, name)
		}

		names, err := s.List(ctx)
		require.NoError(t, err)
		sort.Strings(names)
		assert.Equal(t, expected, names)
	})

	t.Run("read", func(t *testing.T) {
		assert.Equal(t, "precious data 2", read(t, expected[2]))

		_, err := s.Read(ctx, "does-not-exist")
		var nf backuperrors.NotFoundError
		require.True(t, errors.As(err, &nf), "expected not found, got %v", err)
	})

	t.Run("write overwrites", func(t *testing.T) {
		upload(t, expected[0], "newer data")
		assert.Equal(t, "newer data", read(t, expected[0]))

		names, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, names, len(expected))
	})

	t.Run("concurrent writes", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			name := fmt.Sprintf("users-2024-04-0%d-020000.backup", i+1)
			path := filepath.Join(opts.UploadDir, name)
			require.NoError(t, afero.WriteFile(opts.FS, path, []byte(name), 0600))
			expected = append(expected, name)

			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.Write(ctx, path)
			}()
		}
		wg.Wait()
		require.NoError(t, errors.Join(errs...))

		names, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, names, len(expected))
	})

	t.Run("delete", func(t *testing.T) {
		for _, name := range expected {
			require.NoError(t, s.Delete(ctx, name))
		}

		names, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)

		err = s.Delete(ctx, expected[0])
		if opts.IdempotentDelete {
			require.NoError(t, err)
			return
		}
		var nf backuperrors.NotFoundError
		require.True(t, errors.As(err, &nf), "expected not found, got %v", err)
	})
}
