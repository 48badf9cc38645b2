package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/metal-stack/dbbackup/cmd/internal/backup"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/naming"
	"github.com/metal-stack/dbbackup/cmd/internal/storage/local"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintArtifacts(t *testing.T) {
	rows := []artifactRow{
		{Target: "orders@web1/backup", Name: "orders-web1-2024-03-01-020000.backup.gz", Timestamp: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC), Checkpoint: true, Decision: "keep"},
		{Target: "orders@web1/backup", Name: "orders-web1-2024-03-02-020000.backup.gz", Timestamp: time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC), Decision: "delete"},
	}

	var table bytes.Buffer
	require.NoError(t, printArtifacts(&table, "table", rows))
	assert.Contains(t, table.String(), "orders-web1-2024-03-01-020000.backup.gz")
	assert.Contains(t, table.String(), "2024-03-02 02:00:00")
	assert.Contains(t, table.String(), "delete")

	var yml bytes.Buffer
	require.NoError(t, printArtifacts(&yml, "yaml", rows))
	assert.Contains(t, yml.String(), "- checkpoint: true\n  decision: keep\n  name: orders-web1-2024-03-01-020000.backup.gz\n")

	require.Error(t, printArtifacts(&yml, "xml", rows))
}

func TestPrintReport(t *testing.T) {
	orders := naming.Target{DatabaseName: "orders", Extension: "backup"}
	users := naming.Target{DatabaseName: "users", Extension: "backup"}
	cache := naming.Target{DatabaseName: "cache", Extension: "rdb"}

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, &backup.Report{Results: []backup.Result{
		{Target: orders, Stage: backup.StageDone, Artifact: "orders-2024-03-01-020000.backup"},
		{Target: users, Stage: backup.StageDump, Err: errors.New("connection refused")},
		{Target: cache, Skipped: true},
	}}))

	assert.Contains(t, buf.String(), "orders-2024-03-01-020000.backup")
	assert.Contains(t, buf.String(), "failed at dump")
	assert.Contains(t, buf.String(), "skipped")
}

func TestDownload(t *testing.T) {
	logger = slog.Default()
	fs := afero.NewMemMapFs()

	s, err := local.New(slog.Default(), &local.StorageConfigLocal{Location: "/backups", FS: fs})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/backups/orders-2024-03-01-020000.backup", []byte("dump"), 0600))

	require.NoError(t, download(context.Background(), s, fs, "orders-2024-03-01-020000.backup", "/restore/orders.backup"))

	content, err := afero.ReadFile(fs, "/restore/orders.backup")
	require.NoError(t, err)
	assert.Equal(t, "dump", string(content))

	err = download(context.Background(), s, fs, "missing.backup", "/restore/missing.backup")
	var nf backuperrors.NotFoundError
	require.True(t, errors.As(err, &nf))

	exists, err := afero.Exists(fs, "/restore/missing.backup")
	require.NoError(t, err)
	assert.False(t, exists)
}
