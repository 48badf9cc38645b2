package localfs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/metal-stack/dbbackup/cmd/internal/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	ctx := context.Background()

	media := filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, os.MkdirAll(filepath.Join(media, "avatars"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(media, "avatars", "me.png"), []byte("png"), 0600))

	l := New(slog.Default(), media)
	require.NoError(t, l.Probe(ctx))
	assert.Equal(t, "media.tar.gz", l.Extension())

	destination := filepath.Join(t.TempDir(), "media")
	require.NoError(t, l.Dump(ctx, destination))

	out := t.TempDir()
	require.NoError(t, compress.Unarchive(destination, out))

	got, err := os.ReadFile(filepath.Join(out, "uploads", "avatars", "me.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(got))
}

func TestLocalFS_Probe(t *testing.T) {
	ctx := context.Background()

	require.Error(t, New(slog.Default(), "").Probe(ctx))
	require.Error(t, New(slog.Default(), filepath.Join(t.TempDir(), "missing")).Probe(ctx))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	require.Error(t, New(slog.Default(), file).Probe(ctx))
}
