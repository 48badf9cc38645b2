package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/metal-stack/dbbackup/cmd/internal/backup"
	"github.com/metal-stack/dbbackup/cmd/internal/compress"
	"github.com/metal-stack/dbbackup/cmd/internal/config"
	"github.com/metal-stack/dbbackup/cmd/internal/database"
	"github.com/metal-stack/dbbackup/cmd/internal/encryption"
	"github.com/metal-stack/dbbackup/cmd/internal/lock"
	"github.com/metal-stack/dbbackup/cmd/internal/metrics"
	"github.com/metal-stack/dbbackup/cmd/internal/naming"
	"github.com/metal-stack/dbbackup/cmd/internal/notify"
	"github.com/metal-stack/dbbackup/cmd/internal/pipeline"
	"github.com/metal-stack/dbbackup/cmd/internal/storage"
	"github.com/metal-stack/dbbackup/cmd/internal/storage/factory"
	"github.com/metal-stack/dbbackup/cmd/internal/utils"
	"github.com/metal-stack/v"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"
)

const (
	moduleName  = "dbbackup"
	cfgFileType = "yaml"

	// Flags
	configFlg    = "config"
	logLevelFlg  = "log-level"
	logFormatFlg = "log-format"
	timeoutFlg   = "timeout"

	databaseFlg    = "database"
	extensionFlg   = "extension"
	compressFlg    = "compress"
	encryptFlg     = "encrypt"
	cleanFlg       = "clean"
	parallelFlg    = "parallel"
	stopOnErrorFlg = "stop-on-error"
	mediaFlg       = "media"
	outputFlg      = "output"
	outFlg         = "out"
)

var (
	cfgFile string
	logger  *slog.Logger
	cfg     *config.Config
	stop    context.Context
	cancel  context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:          moduleName,
	Short:        "backs up databases and media files to a storage backend",
	Version:      v.V.String(),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := initLogging(); err != nil {
			return err
		}
		if err := initConfig(); err != nil {
			return err
		}
		return initSignalHandlers()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cancel != nil {
			cancel()
		}
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "takes a backup of the configured databases",
	RunE: func(cmd *cobra.Command, args []string) error {
		databases, err := cfg.SelectDatabases(viper.GetString(databaseFlg))
		if err != nil {
			return err
		}

		m := metrics.New()
		b, err := newBackup(m, viper.GetBool(encryptFlg))
		if err != nil {
			return err
		}

		var jobs []backup.Job
		for _, db := range databases {
			dumper, err := database.New(logger, db)
			if err != nil {
				return err
			}

			jobs = append(jobs, backup.Job{
				Target:   target(db.Name, extension(dumper)),
				Source:   database.NewSource(db.Name, dumper).WithProbeRetries(logger, cfg.ProbeAttempts, cfg.ProbeInterval),
				Compress: viper.GetBool(compressFlg),
				Encrypt:  viper.GetBool(encryptFlg),
				Clean:    viper.GetBool(cleanFlg),
				Keep:     cfg.CleanupKeep,
			})
		}

		parallelism := cfg.Parallelism
		if cmd.Flags().Changed(parallelFlg) {
			parallelism = viper.GetInt(parallelFlg)
		}

		report := b.RunAll(stop, jobs, backup.Options{
			Parallelism: parallelism,
			StopOnError: viper.GetBool(stopOnErrorFlg),
		})

		writeMetrics(m)

		if err := printReport(cmd.OutOrStdout(), report); err != nil {
			return err
		}

		return report.Err()
	},
}

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "takes a backup of the media directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.MediaPath == "" {
			return fmt.Errorf("%s must be set for media backups", config.MediaPathKey)
		}

		m := metrics.New()
		b, err := newBackup(m, viper.GetBool(encryptFlg))
		if err != nil {
			return err
		}

		dumper := database.NewMedia(logger, cfg.MediaPath)
		name := cfg.MediaTargetName()

		report := b.RunAll(stop, []backup.Job{{
			Target:  target(name, dumper.Extension()),
			Source:  database.NewSource(name, dumper),
			Encrypt: viper.GetBool(encryptFlg),
			Clean:   viper.GetBool(cleanFlg),
			Keep:    cfg.CleanupKeepMedia,
		}}, backup.Options{Parallelism: 1})

		writeMetrics(m)

		if err := printReport(cmd.OutOrStdout(), report); err != nil {
			return err
		}

		return report.Err()
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "lists the artifacts of the configured targets and their retention decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBackup(nil, false)
		if err != nil {
			return err
		}

		targets, err := selectTargets()
		if err != nil {
			return err
		}

		var rows []artifactRow
		for _, t := range targets {
			d, err := b.Inventory(stop, t.target, t.keep)
			if err != nil {
				return err
			}
			for _, e := range d.Keep {
				rows = append(rows, artifactRow{Target: t.target.String(), Name: e.Name, Timestamp: e.Timestamp, Checkpoint: e.IsCheckpoint(), Decision: "keep"})
			}
			for _, e := range d.Delete {
				rows = append(rows, artifactRow{Target: t.target.String(), Name: e.Name, Timestamp: e.Timestamp, Checkpoint: e.IsCheckpoint(), Decision: "delete"})
			}
		}

		return printArtifacts(cmd.OutOrStdout(), viper.GetString(outputFlg), rows)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "deletes old artifacts according to the retention policy without taking a backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := metrics.New()
		b, err := newBackup(m, false)
		if err != nil {
			return err
		}

		targets, err := selectTargets()
		if err != nil {
			return err
		}

		var errs []error
		for _, t := range targets {
			deleted, err := b.Cleanup(stop, t.target, t.keep)
			if err != nil {
				logger.Error("cleanup failed", "target", t.target.String(), "error", err)
				errs = append(errs, err)
			}
			logger.Info("cleanup finished", "target", t.target.String(), "deleted", len(deleted))
		}

		writeMetrics(m)

		return errors.Join(errs...)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <artifact>",
	Short: "downloads an artifact from the storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := factory.New(stop, logger, cfg.Storage, afero.NewOsFs())
		if err != nil {
			return err
		}

		out := viper.GetString(outFlg)
		if out == "" {
			out = args[0]
		}

		return download(stop, s, afero.NewOsFs(), args[0], out)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger == nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", moduleName, err)
			os.Exit(1)
		}
		logger.Error("failed executing root command", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(dbCmd, mediaCmd, listCmd, cleanupCmd, downloadCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, configFlg, "", "path to the configuration file")
	rootCmd.PersistentFlags().String(logLevelFlg, "info", "sets the application log level [debug|info|warn|error]")
	rootCmd.PersistentFlags().String(logFormatFlg, "text", "sets the log format [text|json]")
	rootCmd.PersistentFlags().String(timeoutFlg, "", "aborts the command after the given duration (e.g. 30m)")

	dbCmd.Flags().StringP(databaseFlg, "d", "", "the name of the database to back up, all configured databases if empty")
	dbCmd.Flags().StringP(config.ServerNameKey, "s", "", "the server name used in artifact names")
	dbCmd.Flags().String(extensionFlg, "", "overrides the extension of the dump")
	dbCmd.Flags().BoolP(compressFlg, "z", false, "compresses the dump with gzip")
	dbCmd.Flags().BoolP(encryptFlg, "e", false, "encrypts the dump")
	dbCmd.Flags().BoolP(cleanFlg, "c", false, "deletes old artifacts after a successful upload")
	dbCmd.Flags().Int(parallelFlg, config.DefaultParallelism, "the number of databases backed up in parallel")
	dbCmd.Flags().Bool(stopOnErrorFlg, false, "skips the remaining databases after the first failure")

	mediaCmd.Flags().StringP(config.ServerNameKey, "s", "", "the server name used in artifact names")
	mediaCmd.Flags().BoolP(encryptFlg, "e", false, "encrypts the archive")
	mediaCmd.Flags().BoolP(cleanFlg, "c", false, "deletes old archives after a successful upload")

	listCmd.Flags().StringP(databaseFlg, "d", "", "the name of the database, all configured databases if empty")
	listCmd.Flags().Bool(mediaFlg, false, "lists media archives instead of database dumps")
	listCmd.Flags().StringP(config.ServerNameKey, "s", "", "the server name used in artifact names")
	listCmd.Flags().String(extensionFlg, "", "overrides the extension of the dump")
	listCmd.Flags().StringP(outputFlg, "o", "table", "the output format [table|yaml]")

	cleanupCmd.Flags().StringP(databaseFlg, "d", "", "the name of the database, all configured databases if empty")
	cleanupCmd.Flags().Bool(mediaFlg, false, "cleans up media archives instead of database dumps")
	cleanupCmd.Flags().StringP(config.ServerNameKey, "s", "", "the server name used in artifact names")
	cleanupCmd.Flags().String(extensionFlg, "", "overrides the extension of the dump")

	downloadCmd.Flags().String(outFlg, "", "the path to write the artifact to, the artifact name in the current directory if empty")
}

func initConfig() error {
	viper.SetEnvPrefix(strings.ToUpper(moduleName))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper())

	viper.SetConfigType(cfgFileType)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("config file path set explicitly, but unreadable: %w", err)
		}
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("/etc/" + moduleName)
		viper.AddConfigPath("$HOME/." + moduleName)
		viper.AddConfigPath(".")
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("config file %s unreadable: %w", viper.ConfigFileUsed(), err)
			}
		}
	}

	usedCfg := viper.ConfigFileUsed()
	if usedCfg != "" {
		logger.Info("read config file", "config-file", usedCfg)
	}

	c, err := config.New(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = c

	return nil
}

func initLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString(logLevelFlg))); err != nil {
		return fmt.Errorf("can't initialize logger: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	switch format := viper.GetString(logFormatFlg); format {
	case "json":
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	case "text", "":
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	default:
		return fmt.Errorf("unsupported log format: %s", format)
	}

	slog.SetDefault(logger)

	return nil
}

func initSignalHandlers() error {
	timeout, err := utils.ParseTimeInterval(viper.GetString(timeoutFlg))
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		stop, cancel = ctx, stopSignals
		return nil
	}

	var cancelTimeout context.CancelFunc
	stop, cancelTimeout = context.WithTimeout(ctx, timeout)
	cancel = func() {
		cancelTimeout()
		stopSignals()
	}

	return nil
}

func newBackup(m *metrics.Metrics, encrypt bool) (*backup.Backup, error) {
	fs := afero.NewOsFs()

	s, err := factory.New(stop, logger, cfg.Storage, fs)
	if err != nil {
		return nil, err
	}

	comp, err := compress.New(logger.With("stage", "compress"), &compress.CompressorConfig{FS: fs})
	if err != nil {
		return nil, err
	}

	var encryptStage pipeline.Stage
	if encrypt {
		enc, err := newEncrypter()
		if err != nil {
			return nil, err
		}
		encryptStage = encryption.NewStage(logger.With("stage", "encrypt"), fs, enc)
	}

	locker, err := newLocker()
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier()
	if err != nil {
		return nil, err
	}

	c := backup.Config{
		Storage:        s,
		Codec:          cfg.Codec(),
		Compress:       comp,
		Encrypt:        encryptStage,
		Locker:         locker,
		Notifier:       notifier,
		TempDir:        cfg.TempDir,
		UploadAttempts: cfg.UploadAttempts,
		FS:             fs,
	}
	if m != nil {
		c.Metrics = m
	}

	return backup.New(logger, c)
}

func newEncrypter() (encryption.Encrypter, error) {
	switch cfg.Encryption.Method {
	case config.EncryptionAES:
		return encryption.NewAES(logger, &encryption.AESConfig{Key: cfg.Encryption.AES.Key})
	default:
		return encryption.NewGPG(logger, &encryption.GPGConfig{
			Recipient:   cfg.Encryption.GPG.Recipient,
			KeyRingFile: cfg.Encryption.GPG.Keyring,
			AlwaysTrust: cfg.Encryption.GPG.AlwaysTrust,
		})
	}
}

func newLocker() (lock.Locker, error) {
	if cfg.CleanupLock != config.LockLease {
		return lock.NewLocal(), nil
	}
	return lock.NewLease(lock.LeaseConfig{
		Log:        logger.With("lock", config.LockLease),
		Namespace:  cfg.Lease.Namespace,
		Name:       cfg.Lease.Name,
		Identity:   cfg.Lease.Identity,
		Kubeconfig: cfg.Lease.Kubeconfig,
	})
}

func newNotifier() (notify.Notifier, error) {
	smtp := cfg.Notification.SMTP
	if smtp.Host == "" {
		return notify.Nop{}, nil
	}
	return notify.NewSMTP(logger.With("notifier", "smtp"), notify.SMTPConfig{
		Host:       smtp.Host,
		Port:       smtp.Port,
		Username:   smtp.Username,
		Password:   smtp.Password,
		From:       smtp.From,
		Recipients: smtp.Recipients,
	})
}

func target(name, ext string) naming.Target {
	return naming.Target{
		DatabaseName: name,
		ServerName:   cfg.ServerName,
		Extension:    ext,
	}
}

func extension(dumper database.Dumper) string {
	if ext := viper.GetString(extensionFlg); ext != "" {
		return ext
	}
	return dumper.Extension()
}

type selectedTarget struct {
	target naming.Target
	keep   int
}

func selectTargets() ([]selectedTarget, error) {
	if viper.GetBool(mediaFlg) {
		return []selectedTarget{{
			target: target(cfg.MediaTargetName(), database.NewMedia(logger, cfg.MediaPath).Extension()),
			keep:   cfg.CleanupKeepMedia,
		}}, nil
	}

	databases, err := cfg.SelectDatabases(viper.GetString(databaseFlg))
	if err != nil {
		return nil, err
	}

	var targets []selectedTarget
	for _, db := range databases {
		dumper, err := database.New(logger, db)
		if err != nil {
			return nil, err
		}
		targets = append(targets, selectedTarget{target: target(db.Name, extension(dumper)), keep: cfg.CleanupKeep})
	}

	return targets, nil
}

type artifactRow struct {
	Target     string    `json:"target"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	Checkpoint bool      `json:"checkpoint"`
	Decision   string    `json:"decision"`
}

func printArtifacts(w io.Writer, format string, rows []artifactRow) error {
	switch format {
	case "yaml":
		out, err := yaml.Marshal(rows)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case "table", "":
		var data [][]string
		for _, r := range rows {
			checkpoint := ""
			if r.Checkpoint {
				checkpoint = "yes"
			}
			data = append(data, []string{r.Target, r.Timestamp.Format(time.DateTime), r.Name, checkpoint, r.Decision})
		}
		return utils.NewTablePrinter(w).Print([]string{"Target", "Date", "Name", "Checkpoint", "Decision"}, data)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func printReport(w io.Writer, report *backup.Report) error {
	var data [][]string
	for _, res := range report.Results {
		status := "ok"
		switch {
		case res.Skipped:
			status = "skipped"
		case res.Err != nil:
			status = "failed at " + res.Stage
		}
		data = append(data, []string{res.Target.String(), res.Artifact, status})
	}
	return utils.NewTablePrinter(w).Print([]string{"Target", "Artifact", "Status"}, data)
}

func writeMetrics(m *metrics.Metrics) {
	if cfg.MetricsTextfile == "" {
		return
	}
	if err := m.WriteToTextfile(cfg.MetricsTextfile); err != nil {
		logger.Error("unable to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
	}
}

func download(ctx context.Context, s storage.Storage, fs afero.Fs, name, out string) (err error) {
	r, err := s.Read(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()

	f, err := fs.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	n, err := io.Copy(f, r)
	if err != nil {
		_ = fs.Remove(out)
		return fmt.Errorf("unable to download %s: %w", name, err)
	}

	logger.Info("downloaded artifact", "name", name, "path", out, "size", n)

	return nil
}
