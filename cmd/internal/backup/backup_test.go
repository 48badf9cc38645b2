package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/compress"
	"github.com/metal-stack/dbbackup/cmd/internal/encryption"
	"github.com/metal-stack/dbbackup/cmd/internal/naming"
	"github.com/metal-stack/dbbackup/cmd/internal/notify"
	"github.com/metal-stack/dbbackup/cmd/internal/pipeline"
	"github.com/metal-stack/dbbackup/cmd/internal/storage"
	"github.com/metal-stack/dbbackup/cmd/internal/storage/local"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	workDir   = "/work"
	backupDir = "/backups"
)

var (
	now    = time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)
	orders = naming.Target{DatabaseName: "orders", ServerName: "web1", Extension: "backup"}
	users  = naming.Target{DatabaseName: "users", ServerName: "web1", Extension: "backup"}
)

type fakeSource struct {
	fs      afero.Fs
	content string
	err     error
	panics  bool
}

func (s fakeSource) Produce(_ context.Context, destination string) error {
	if s.panics {
		panic("dump tool exploded")
	}
	if s.err != nil {
		// a failing dump may leave a partial file behind
		_ = afero.WriteFile(s.fs, destination, []byte("partial"), 0600)
		return backuperrors.DumpError{Database: "orders", Err: s.err}
	}
	return afero.WriteFile(s.fs, destination, []byte(s.content), 0600)
}

type failingStage struct {
	name   string
	suffix string
	err    error
}

func (s failingStage) Name() string   { return s.name }
func (s failingStage) Suffix() string { return s.suffix }
func (s failingStage) Apply(context.Context, string) (string, error) {
	return "", s.err
}

type flakyStorage struct {
	storage.Storage
	mu         sync.Mutex
	writes     int
	failWrites int
	deleteErrs map[string]error
}

func (s *flakyStorage) Write(ctx context.Context, localPath string) error {
	s.mu.Lock()
	s.writes++
	fail := s.writes <= s.failWrites
	s.mu.Unlock()

	if fail {
		return backuperrors.StorageError{Backend: "local", Op: "write", Err: errors.New("connection reset")}
	}
	return s.Storage.Write(ctx, localPath)
}

func (s *flakyStorage) Delete(ctx context.Context, name string) error {
	if err, ok := s.deleteErrs[name]; ok {
		return err
	}
	return s.Storage.Delete(ctx, name)
}

type recordingNotifier struct {
	mu       sync.Mutex
	failures []notify.Failure
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, f notify.Failure) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
	return n.err
}

type recordingMetrics struct {
	mu        sync.Mutex
	backups   []string
	errors    []string
	deletions int
}

func (m *recordingMetrics) CountBackup(target string, _ int64, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, target)
}

func (m *recordingMetrics) CountError(target, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, target+":"+stage)
}

func (m *recordingMetrics) CountDeletions(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletions += n
}

type testEnv struct {
	fs       afero.Fs
	storage  *flakyStorage
	notifier *recordingNotifier
	metrics  *recordingMetrics
	config   Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(workDir, 0755))

	s, err := local.New(slog.Default(), &local.StorageConfigLocal{Location: backupDir, FS: fs})
	require.NoError(t, err)

	c, err := compress.New(slog.Default(), &compress.CompressorConfig{FS: fs})
	require.NoError(t, err)

	aes, err := encryption.NewAES(slog.Default(), &encryption.AESConfig{Key: "01234567891234560123456789123456"})
	require.NoError(t, err)

	env := &testEnv{
		fs:       fs,
		storage:  &flakyStorage{Storage: s},
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
	}
	env.config = Config{
		Storage:        env.storage,
		Codec:          naming.New("", ""),
		Compress:       c,
		Encrypt:        encryption.NewStage(slog.Default(), fs, aes),
		Metrics:        env.metrics,
		Notifier:       env.notifier,
		TempDir:        workDir,
		UploadAttempts: 3,
		UploadDelay:    time.Millisecond,
		Now:            func() time.Time { return now },
		FS:             fs,
	}

	return env
}

func (e *testEnv) backup(t *testing.T) *Backup {
	t.Helper()
	b, err := New(slog.Default(), e.config)
	require.NoError(t, err)
	return b
}

func (e *testEnv) stored(t *testing.T) []string {
	t.Helper()
	names, err := e.storage.List(context.Background())
	require.NoError(t, err)
	sort.Strings(names)
	return names
}

func (e *testEnv) requireNoTempFiles(t *testing.T) {
	t.Helper()
	infos, err := afero.ReadDir(e.fs, workDir)
	require.NoError(t, err)
	assert.Empty(t, infos, "temp directory must be removed")
}

func (e *testEnv) seed(t *testing.T, target naming.Target, times ...time.Time) {
	t.Helper()
	for _, ts := range times {
		name, err := e.config.Codec.Encode(target, ts)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(e.fs, filepath.Join(backupDir, name), []byte("old"), 0600))
	}
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 2, 0, 0, 0, time.UTC)
}

func TestRun_ArtifactName(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		encrypt  bool
		want     string
	}{
		{name: "raw", want: "orders-web1-2024-03-01-020000.backup"},
		{name: "compressed", compress: true, want: "orders-web1-2024-03-01-020000.backup.gz"},
		{name: "encrypted", encrypt: true, want: "orders-web1-2024-03-01-020000.backup.aes"},
		{name: "compressed and encrypted", compress: true, encrypt: true, want: "orders-web1-2024-03-01-020000.backup.gz.aes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.backup(t)

			res := b.run(context.Background(), Job{
				Target:   orders,
				Source:   fakeSource{fs: env.fs, content: "dump of orders"},
				Compress: tt.compress,
				Encrypt:  tt.encrypt,
			})
			require.NoError(t, res.Err)

			assert.Equal(t, tt.want, res.Artifact)
			assert.Equal(t, StageDone, res.Stage)
			assert.Equal(t, []string{tt.want}, env.stored(t))
			assert.Equal(t, []string{orders.String()}, env.metrics.backups)
			env.requireNoTempFiles(t)
		})
	}
}

func TestRun_RawArtifactContent(t *testing.T) {
	env := newTestEnv(t)
	b := env.backup(t)

	require.NoError(t, b.Run(context.Background(), Job{Target: orders, Source: fakeSource{fs: env.fs, content: "dump of orders"}}))

	content, err := afero.ReadFile(env.fs, filepath.Join(backupDir, "orders-web1-2024-03-01-020000.backup"))
	require.NoError(t, err)
	assert.Equal(t, "dump of orders", string(content))
}

func TestRun_TempDirRemovedOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(env *testEnv)
		source    func(env *testEnv) Producer
		wantStage string
		wantErr   func(t *testing.T, err error)
	}{
		{
			name: "dump",
			source: func(env *testEnv) Producer {
				return fakeSource{fs: env.fs, err: errors.New("pg_dump exited with 1")}
			},
			wantStage: StageDump,
			wantErr: func(t *testing.T, err error) {
				var de backuperrors.DumpError
				require.True(t, errors.As(err, &de))
			},
		},
		{
			name: "compress",
			modify: func(env *testEnv) {
				env.config.Compress = failingStage{name: StageCompress, suffix: ".gz", err: backuperrors.IncompleteCompressionError{Path: "x.gz", Err: errors.New("disk full")}}
			},
			wantStage: StageCompress,
			wantErr: func(t *testing.T, err error) {
				var ice backuperrors.IncompleteCompressionError
				require.True(t, errors.As(err, &ice))
			},
		},
		{
			name: "encrypt",
			modify: func(env *testEnv) {
				env.config.Encrypt = failingStage{name: StageEncrypt, suffix: ".gpg", err: backuperrors.EncryptionError{Status: "NO_RECIPIENT"}}
			},
			wantStage: StageEncrypt,
			wantErr: func(t *testing.T, err error) {
				var ee backuperrors.EncryptionError
				require.True(t, errors.As(err, &ee))
				assert.Equal(t, "NO_RECIPIENT", ee.Status)
			},
		},
		{
			name: "upload",
			modify: func(env *testEnv) {
				env.storage.failWrites = 100
			},
			wantStage: StageUpload,
			wantErr: func(t *testing.T, err error) {
				var se backuperrors.StorageError
				require.True(t, errors.As(err, &se))
			},
		},
		{
			name: "panic",
			source: func(env *testEnv) Producer {
				return fakeSource{fs: env.fs, panics: true}
			},
			wantStage: StageDump,
			wantErr: func(t *testing.T, err error) {
				var ue backuperrors.UnexpectedError
				require.True(t, errors.As(err, &ue))
				assert.Equal(t, "dump tool exploded", ue.Value)
				assert.NotEmpty(t, ue.Stack)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.modify != nil {
				tt.modify(env)
			}
			b := env.backup(t)

			var source Producer = fakeSource{fs: env.fs, content: "dump"}
			if tt.source != nil {
				source = tt.source(env)
			}

			err := b.Run(context.Background(), Job{Target: orders, Source: source, Compress: true, Encrypt: true})
			require.Error(t, err)

			var stageErr backuperrors.StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, tt.wantStage, stageErr.Stage)
			assert.Equal(t, orders.String(), stageErr.Target)
			tt.wantErr(t, err)

			env.requireNoTempFiles(t)
			assert.Empty(t, env.stored(t))
			assert.Equal(t, []string{orders.String() + ":" + tt.wantStage}, env.metrics.errors)
			require.Len(t, env.notifier.failures, 1)
			assert.Equal(t, tt.wantStage, env.notifier.failures[0].Stage)
		})
	}
}

func TestRun_Canceled(t *testing.T) {
	env := newTestEnv(t)
	b := env.backup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Run(ctx, Job{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}, Compress: true})
	require.ErrorIs(t, err, context.Canceled)

	env.requireNoTempFiles(t)
	assert.Empty(t, env.stored(t))
	// notification is sent even though the run was canceled
	assert.Len(t, env.notifier.failures, 1)
}

func TestRun_UploadRetried(t *testing.T) {
	env := newTestEnv(t)
	env.storage.failWrites = 2
	b := env.backup(t)

	require.NoError(t, b.Run(context.Background(), Job{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}}))

	assert.Equal(t, 3, env.storage.writes)
	assert.Equal(t, []string{"orders-web1-2024-03-01-020000.backup"}, env.stored(t))
}

func TestRun_UploadAttemptsExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.storage.failWrites = 3
	b := env.backup(t)

	err := b.Run(context.Background(), Job{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}})
	require.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 3, env.storage.writes)
}

func TestRun_NoCleanupAfterUploadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.storage.failWrites = 100
	env.seed(t, orders, day(2024, 1, 2), day(2024, 1, 3), day(2024, 1, 4), day(2024, 1, 5))
	b := env.backup(t)

	err := b.Run(context.Background(), Job{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}, Clean: true, Keep: 1})
	require.Error(t, err)

	assert.Len(t, env.stored(t), 4)
	assert.Zero(t, env.metrics.deletions)
}

func TestRun_Cleanup(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, orders, day(2024, 1, 1), day(2024, 1, 2), day(2024, 1, 3), day(2024, 2, 1), day(2024, 2, 5))
	env.seed(t, users, day(2024, 1, 2))
	require.NoError(t, afero.WriteFile(env.fs, filepath.Join(backupDir, "orders-web1-garbage.backup"), []byte("?"), 0600))
	b := env.backup(t)

	err := b.Run(context.Background(), Job{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}, Compress: true, Clean: true, Keep: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"orders-web1-2024-01-01-020000.backup",
		"orders-web1-2024-02-01-020000.backup",
		"orders-web1-2024-02-05-020000.backup",
		"orders-web1-2024-03-01-020000.backup.gz",
		"orders-web1-garbage.backup",
		"users-web1-2024-01-02-020000.backup",
	}, env.stored(t))
	assert.Equal(t, 2, env.metrics.deletions)
}

func TestCleanup_BestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, orders, day(2024, 1, 2), day(2024, 1, 3), day(2024, 1, 4), day(2024, 1, 5))
	env.storage.deleteErrs = map[string]error{
		"orders-web1-2024-01-02-020000.backup": backuperrors.NotFoundError{Name: "orders-web1-2024-01-02-020000.backup"},
		"orders-web1-2024-01-03-020000.backup": backuperrors.StorageError{Backend: "local", Op: "delete", Err: errors.New("permission denied")},
	}
	b := env.backup(t)

	deleted, err := b.Cleanup(context.Background(), orders, 1)

	var se backuperrors.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "cleanup", se.Op)
	require.ErrorContains(t, err, "permission denied")

	assert.Equal(t, []string{
		"orders-web1-2024-01-02-020000.backup",
		"orders-web1-2024-01-04-020000.backup",
	}, deleted)
	assert.Equal(t, []string{
		"orders-web1-2024-01-02-020000.backup",
		"orders-web1-2024-01-03-020000.backup",
		"orders-web1-2024-01-05-020000.backup",
	}, env.stored(t))
}

func TestCleanup_InvalidKeep(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, orders, day(2024, 1, 2), day(2024, 1, 3))
	b := env.backup(t)

	for _, keep := range []int{0, -1} {
		_, err := b.Cleanup(context.Background(), orders, keep)
		var ce backuperrors.ConfigurationError
		require.True(t, errors.As(err, &ce))
	}
	assert.Len(t, env.stored(t), 2)
}

func TestInventory(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, orders, day(2024, 1, 1), day(2024, 1, 2), day(2024, 1, 3))
	b := env.backup(t)

	d, err := b.Inventory(context.Background(), orders, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"orders-web1-2024-01-02-020000.backup"}, d.Names())
	require.Len(t, d.Keep, 2)
	assert.True(t, d.Keep[0].IsCheckpoint())
}

func TestInventory_IncompleteTarget(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, orders, day(2024, 1, 1), day(2024, 1, 2))
	b := env.backup(t)

	_, err := b.Inventory(context.Background(), naming.Target{ServerName: "web1", Extension: "backup"}, 1)

	var mfe backuperrors.MissingFieldError
	require.True(t, errors.As(err, &mfe))
	assert.Equal(t, "databasename", mfe.Field)
}

func TestRun_StageNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.config.Encrypt = nil
	b := env.backup(t)

	err := b.Run(context.Background(), Job{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}, Encrypt: true})

	var ce backuperrors.ConfigurationError
	require.True(t, errors.As(err, &ce))
	var stageErr backuperrors.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StagePrepare, stageErr.Stage)
	assert.Empty(t, env.stored(t))
}

func TestRun_NotifierFailureKeepsError(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("smtp unreachable")
	b := env.backup(t)

	err := b.Run(context.Background(), Job{Target: orders, Source: fakeSource{fs: env.fs, err: errors.New("exit status 1")}})

	var de backuperrors.DumpError
	require.True(t, errors.As(err, &de))
	assert.NotContains(t, err.Error(), "smtp")
}

func TestRunAll_TargetsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	b := env.backup(t)

	report := b.RunAll(context.Background(), []Job{
		{Target: users, Source: fakeSource{fs: env.fs, err: errors.New("connection refused")}},
		{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}, Compress: true},
	}, Options{Parallelism: 2})

	require.Len(t, report.Results, 2)

	assert.Equal(t, StageDump, report.Results[0].Stage)
	require.Error(t, report.Results[0].Err)

	require.NoError(t, report.Results[1].Err)
	assert.Equal(t, "orders-web1-2024-03-01-020000.backup.gz", report.Results[1].Artifact)

	require.Error(t, report.Err())
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, users, report.Failed()[0].Target)

	assert.Equal(t, []string{"orders-web1-2024-03-01-020000.backup.gz"}, env.stored(t))
	require.Len(t, env.notifier.failures, 1)
	assert.Equal(t, users.String(), env.notifier.failures[0].Target)
	env.requireNoTempFiles(t)
}

func TestRunAll_StopOnError(t *testing.T) {
	env := newTestEnv(t)
	b := env.backup(t)

	report := b.RunAll(context.Background(), []Job{
		{Target: users, Source: fakeSource{fs: env.fs, err: errors.New("connection refused")}},
		{Target: orders, Source: fakeSource{fs: env.fs, content: "dump"}},
	}, Options{Parallelism: 1, StopOnError: true})

	require.Len(t, report.Results, 2)
	require.Error(t, report.Results[0].Err)
	assert.True(t, report.Results[1].Skipped)
	require.NoError(t, report.Results[1].Err)
	assert.Empty(t, env.stored(t))
}

func TestRunAll_Parallel(t *testing.T) {
	env := newTestEnv(t)
	b := env.backup(t)

	var jobs []Job
	for i := range 8 {
		jobs = append(jobs, Job{
			Target: naming.Target{DatabaseName: fmt.Sprintf("db%d", i), ServerName: "web1", Extension: "backup"},
			Source: fakeSource{fs: env.fs, content: "dump"},
		})
	}

	report := b.RunAll(context.Background(), jobs, Options{Parallelism: 3})
	require.NoError(t, report.Err())
	assert.Len(t, env.stored(t), 8)
	env.requireNoTempFiles(t)
}

func TestNew(t *testing.T) {
	_, err := New(slog.Default(), Config{})
	var ce backuperrors.ConfigurationError
	require.True(t, errors.As(err, &ce))

	env := newTestEnv(t)
	env.config.Codec = naming.New("{databasename}.{extension}", "")
	_, err = New(slog.Default(), env.config)
	require.True(t, errors.As(err, &ce))
}

var _ pipeline.Stage = failingStage{}
