// Package backup runs the lifecycle of a backup artifact: dump, transform, upload and cleanup.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	retry "github.com/avast/retry-go/v4"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/lock"
	"github.com/metal-stack/dbbackup/cmd/internal/naming"
	"github.com/metal-stack/dbbackup/cmd/internal/notify"
	"github.com/metal-stack/dbbackup/cmd/internal/pipeline"
	"github.com/metal-stack/dbbackup/cmd/internal/retention"
	"github.com/metal-stack/dbbackup/cmd/internal/storage"
	"github.com/spf13/afero"
)

const (
	StagePrepare  = "prepare"
	StageDump     = "dump"
	StageCompress = "compress"
	StageEncrypt  = "encrypt"
	StageUpload   = "upload"
	StageCleanup  = "cleanup"
	StageDone     = "done"

	defaultUploadDelay  = time.Second
	notificationTimeout = 30 * time.Second
)

type (
	// Producer writes the raw dump of a target to destination
	Producer interface {
		Produce(ctx context.Context, destination string) error
	}

	// Recorder collects metrics of backup runs
	Recorder interface {
		CountBackup(target string, size int64, duration time.Duration)
		CountError(target, stage string)
		CountDeletions(target string, n int)
	}

	Config struct {
		Storage storage.Storage
		Codec   *naming.Codec
		// Compress and Encrypt are the pipeline stages jobs may enable, nil if not available
		Compress pipeline.Stage
		Encrypt  pipeline.Stage
		Locker   lock.Locker
		Metrics  Recorder
		Notifier notify.Notifier
		// TempDir is the parent of the scoped temp directories, the system default if empty
		TempDir        string
		UploadAttempts int
		UploadDelay    time.Duration
		Now            func() time.Time
		FS             afero.Fs
	}

	// Job describes one backup of a target
	Job struct {
		Target   naming.Target
		Source   Producer
		Compress bool
		Encrypt  bool
		Clean    bool
		Keep     int
	}

	// Backup is the orchestrator of backup runs
	Backup struct {
		log            *slog.Logger
		fs             afero.Fs
		storage        storage.Storage
		codec          *naming.Codec
		compress       pipeline.Stage
		encrypt        pipeline.Stage
		locker         lock.Locker
		metrics        Recorder
		notifier       notify.Notifier
		tempDir        string
		uploadAttempts int
		uploadDelay    time.Duration
		now            func() time.Time
	}
)

func New(log *slog.Logger, config Config) (*Backup, error) {
	if config.Storage == nil {
		return nil, backuperrors.ConfigurationError{Msg: "backup requires a storage"}
	}
	if config.Codec == nil {
		config.Codec = naming.New("", "")
	}
	if err := config.Codec.Validate(); err != nil {
		return nil, err
	}
	if config.Locker == nil {
		config.Locker = lock.NewLocal()
	}
	if config.Metrics == nil {
		config.Metrics = nopRecorder{}
	}
	if config.Notifier == nil {
		config.Notifier = notify.Nop{}
	}
	if config.UploadAttempts <= 0 {
		config.UploadAttempts = 1
	}
	if config.UploadDelay == 0 {
		config.UploadDelay = defaultUploadDelay
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	return &Backup{
		log:            log,
		fs:             config.FS,
		storage:        config.Storage,
		codec:          config.Codec,
		compress:       config.Compress,
		encrypt:        config.Encrypt,
		locker:         config.Locker,
		metrics:        config.Metrics,
		notifier:       config.Notifier,
		tempDir:        config.TempDir,
		uploadAttempts: config.UploadAttempts,
		uploadDelay:    config.UploadDelay,
		now:            config.Now,
	}, nil
}

// Run takes one backup of the job's target.
// Failures are returned as StageError, cleanup only happens after a successful upload.
func (b *Backup) Run(ctx context.Context, job Job) error {
	return b.run(ctx, job).Err
}

func (b *Backup) run(ctx context.Context, job Job) (result Result) {
	var (
		log   = b.log.With("target", job.Target.String())
		start = b.now()
		stage = StagePrepare
	)

	result.Target = job.Target

	defer func() {
		if r := recover(); r != nil {
			result.Err = backuperrors.UnexpectedError{Value: r, Stack: debug.Stack()}
		}
		if result.Err != nil {
			result.Stage = stage
			result.Err = backuperrors.StageError{Target: job.Target.String(), Stage: stage, Err: result.Err}
			b.fail(ctx, log, result)
		}
	}()

	if job.Source == nil {
		result.Err = backuperrors.ConfigurationError{Msg: "job has no source"}
		return result
	}

	p, err := b.pipeline(log, job)
	if err != nil {
		result.Err = err
		return result
	}

	name, err := b.codec.Encode(job.Target, start)
	if err != nil {
		result.Err = err
		return result
	}

	workDir, err := afero.TempDir(b.fs, b.tempDir, "dbbackup-")
	if err != nil {
		result.Err = fmt.Errorf("unable to create temp directory: %w", err)
		return result
	}
	defer func() {
		if err := b.fs.RemoveAll(workDir); err != nil {
			log.Error("unable to remove temp directory", "path", workDir, "error", err)
		}
	}()

	stage = StageDump
	log.Info("dumping", "artifact", name+p.Suffix())

	dumpPath := filepath.Join(workDir, name)
	if err := job.Source.Produce(ctx, dumpPath); err != nil {
		result.Err = err
		return result
	}

	artifactPath, err := p.Run(ctx, dumpPath, func(s pipeline.Stage) {
		stage = s.Name()
		log.Info(progress(stage))
	})
	if err != nil {
		result.Err = err
		return result
	}
	result.Artifact = filepath.Base(artifactPath)

	var size int64
	if info, err := b.fs.Stat(artifactPath); err == nil {
		size = info.Size()
	}

	stage = StageUpload
	log.Info("uploading", "artifact", result.Artifact, "size", size, "storage", b.storage.Name())

	if err := b.upload(ctx, log, artifactPath); err != nil {
		result.Err = err
		return result
	}

	b.metrics.CountBackup(job.Target.String(), size, b.now().Sub(start))

	if job.Clean {
		stage = StageCleanup
		log.Info("cleaning", "keep", job.Keep)

		if _, err := b.Cleanup(ctx, job.Target, job.Keep); err != nil {
			result.Err = err
			return result
		}
	}

	stage = StageDone
	result.Stage = stage
	log.Info("done", "artifact", result.Artifact, "duration", b.now().Sub(start).String())

	return result
}

func (b *Backup) pipeline(log *slog.Logger, job Job) (*pipeline.Pipeline, error) {
	var compress, encrypt pipeline.Stage
	if job.Compress {
		if b.compress == nil {
			return nil, backuperrors.ConfigurationError{Msg: "compression requested but not configured"}
		}
		compress = b.compress
	}
	if job.Encrypt {
		if b.encrypt == nil {
			return nil, backuperrors.ConfigurationError{Msg: "encryption requested but not configured"}
		}
		encrypt = b.encrypt
	}
	return pipeline.New(log, compress, encrypt), nil
}

func (b *Backup) upload(ctx context.Context, log *slog.Logger, path string) error {
	return retry.Do(func() error {
		return b.storage.Write(ctx, path)
	},
		retry.Context(ctx),
		retry.Attempts(uint(b.uploadAttempts)),
		retry.Delay(b.uploadDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var ce backuperrors.ConfigurationError
			return !errors.As(err, &ce) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("upload failed, retrying", "attempt", n+1, "of", b.uploadAttempts, "error", err)
		}),
	)
}

// Inventory lists the artifacts of the target and computes the retention decision
func (b *Backup) Inventory(ctx context.Context, target naming.Target, keep int) (retention.Decision, error) {
	match, err := b.codec.Matcher(target)
	if err != nil {
		return retention.Decision{}, err
	}

	names, err := b.storage.List(ctx)
	if err != nil {
		return retention.Decision{}, err
	}

	entries := retention.Scan(b.log.With("target", target.String()), names, retention.DecodeFunc(match))

	return retention.Plan(entries, keep)
}

// Cleanup deletes the artifacts of the target the retention policy does not keep.
// Passes of the same target are serialized, deletion is best effort and absent objects count as deleted.
func (b *Backup) Cleanup(ctx context.Context, target naming.Target, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, backuperrors.ConfigurationError{Msg: fmt.Sprintf("keep count must be at least 1, got %d", keep)}
	}

	log := b.log.With("target", target.String())

	unlock, err := b.locker.Lock(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("unable to acquire cleanup lock: %w", err)
	}
	defer unlock()

	decision, err := b.Inventory(ctx, target, keep)
	if err != nil {
		return nil, err
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range decision.Names() {
		err := b.storage.Delete(ctx, name)
		var nf backuperrors.NotFoundError
		switch {
		case err == nil:
			log.Info("deleted artifact", "name", name)
		case errors.As(err, &nf):
			log.Info("artifact already deleted", "name", name)
		default:
			log.Error("unable to delete artifact", "name", name, "error", err)
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, name)
	}

	b.metrics.CountDeletions(target.String(), len(deleted))

	if len(errs) > 0 {
		return deleted, backuperrors.StorageError{Backend: b.storage.Name(), Op: "cleanup", Err: errors.Join(errs...)}
	}

	return deleted, nil
}

func (b *Backup) fail(ctx context.Context, log *slog.Logger, result Result) {
	b.metrics.CountError(result.Target.String(), result.Stage)

	var unexpected backuperrors.UnexpectedError
	if errors.As(result.Err, &unexpected) {
		log.Error("backup failed", "stage", result.Stage, "error", result.Err, "stack", string(unexpected.Stack))
	} else {
		log.Error("backup failed", "stage", result.Stage, "error", result.Err)
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
	defer cancel()

	err := b.notifier.Notify(nctx, notify.Failure{
		Target: result.Target.String(),
		Stage:  result.Stage,
		Err:    result.Err,
		Time:   b.now(),
	})
	if err != nil {
		log.Error("unable to send failure notification", "error", err)
	}
}

func progress(stage string) string {
	switch stage {
	case StageCompress:
		return "compressing"
	case StageEncrypt:
		return "encrypting"
	default:
		return stage
	}
}

type nopRecorder struct{}

func (nopRecorder) CountBackup(string, int64, time.Duration) {}
func (nopRecorder) CountError(string, string)                {}
func (nopRecorder) CountDeletions(string, int)               {}
