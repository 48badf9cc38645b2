// Package config decodes and validates the settings of a backup run.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/metal-stack/dbbackup/cmd/internal/naming"
	"github.com/spf13/viper"
)

const (
	ServerNameKey       = "server-name"
	DateFormatKey       = "date-format"
	FilenameTemplateKey = "filename-template"
	CleanupKeepKey      = "cleanup-keep"
	CleanupKeepMediaKey = "cleanup-keep-media"
	ParallelismKey      = "parallelism"
	UploadAttemptsKey   = "upload-attempts"
	TempDirKey          = "temp-dir"
	MediaPathKey        = "media-path"
	MediaNameKey        = "media-name"
	CleanupLockKey      = "cleanup-lock"
	MetricsTextfileKey  = "metrics-textfile"
	ProbeAttemptsKey    = "probe-attempts"
	ProbeIntervalKey    = "probe-interval"
	TimeZoneKey         = "time-zone"

	DefaultCleanupKeep    = 10
	DefaultParallelism    = 1
	DefaultUploadAttempts = 3
	DefaultProbeAttempts  = 1
	DefaultProbeInterval  = 3 * time.Second
	DefaultTimeZone       = "UTC"

	LockLocal = "local"
	LockLease = "lease"

	StorageLocal = "local"
	StorageS3    = "s3"
	StorageGCP   = "gcp"

	EncryptionGPG = "gpg"
	EncryptionAES = "aes"

	DatabasePostgres  = "postgres"
	DatabaseRedis     = "redis"
	DatabaseEtcd      = "etcd"
	DatabaseRethinkDB = "rethinkdb"
	DatabaseSQLite    = "sqlite"
)

type (
	// Config holds everything a run needs, it is created once and never mutated afterwards
	Config struct {
		ServerName       string        `mapstructure:"server-name"`
		DateFormat       string        `mapstructure:"date-format"`
		FilenameTemplate string        `mapstructure:"filename-template"`
		CleanupKeep      int           `mapstructure:"cleanup-keep"`
		CleanupKeepMedia int           `mapstructure:"cleanup-keep-media"`
		Parallelism      int           `mapstructure:"parallelism"`
		UploadAttempts   int           `mapstructure:"upload-attempts"`
		TempDir          string        `mapstructure:"temp-dir"`
		MediaPath        string        `mapstructure:"media-path"`
		MediaName        string        `mapstructure:"media-name"`
		CleanupLock      string        `mapstructure:"cleanup-lock"`
		MetricsTextfile  string        `mapstructure:"metrics-textfile"`
		ProbeAttempts    int           `mapstructure:"probe-attempts"`
		ProbeInterval    time.Duration `mapstructure:"probe-interval"`
		TimeZone         string        `mapstructure:"time-zone"`

		Lease        LeaseConfig        `mapstructure:"lease"`
		Storage      StorageConfig      `mapstructure:"storage"`
		Encryption   EncryptionConfig   `mapstructure:"encryption"`
		Notification NotificationConfig `mapstructure:"notification"`
		Databases    []DatabaseConfig   `mapstructure:"databases"`
	}

	LeaseConfig struct {
		Namespace  string `mapstructure:"namespace"`
		Name       string `mapstructure:"name"`
		Identity   string `mapstructure:"identity"`
		Kubeconfig string `mapstructure:"kubeconfig"`
	}

	StorageConfig struct {
		Type  string             `mapstructure:"type"`
		Local LocalStorageConfig `mapstructure:"local"`
		S3    S3StorageConfig    `mapstructure:"s3"`
		GCP   GCPStorageConfig   `mapstructure:"gcp"`
	}

	LocalStorageConfig struct {
		Location string `mapstructure:"location"`
	}

	S3StorageConfig struct {
		Bucket    string `mapstructure:"bucket"`
		Endpoint  string `mapstructure:"endpoint"`
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access-key"`
		SecretKey string `mapstructure:"secret-key"`
		Prefix    string `mapstructure:"prefix"`
	}

	GCPStorageConfig struct {
		Bucket          string `mapstructure:"bucket"`
		Prefix          string `mapstructure:"prefix"`
		CredentialsFile string `mapstructure:"credentials-file"`
		Endpoint        string `mapstructure:"endpoint"`
	}

	EncryptionConfig struct {
		Method string    `mapstructure:"method"`
		GPG    GPGConfig `mapstructure:"gpg"`
		AES    AESConfig `mapstructure:"aes"`
	}

	GPGConfig struct {
		Recipient   string `mapstructure:"recipient"`
		Keyring     string `mapstructure:"keyring"`
		AlwaysTrust bool   `mapstructure:"always-trust"`
	}

	AESConfig struct {
		Key string `mapstructure:"key"`
	}

	NotificationConfig struct {
		SMTP SMTPConfig `mapstructure:"smtp"`
	}

	SMTPConfig struct {
		Host       string   `mapstructure:"host"`
		Port       int      `mapstructure:"port"`
		Username   string   `mapstructure:"username"`
		Password   string   `mapstructure:"password"`
		From       string   `mapstructure:"from"`
		Recipients []string `mapstructure:"recipients"`
	}

	DatabaseConfig struct {
		Name         string   `mapstructure:"name"`
		Type         string   `mapstructure:"type"`
		Host         string   `mapstructure:"host"`
		Port         int      `mapstructure:"port"`
		User         string   `mapstructure:"user"`
		Password     string   `mapstructure:"password"`
		PasswordFile string   `mapstructure:"password-file"`
		Database     string   `mapstructure:"database"`
		Path         string   `mapstructure:"path"`
		DataDir      string   `mapstructure:"data-dir"`
		Endpoints    []string `mapstructure:"endpoints"`
		CACert       string   `mapstructure:"ca-cert"`
		Cert         string   `mapstructure:"cert"`
		Key          string   `mapstructure:"key"`
	}
)

// SetDefaults registers the default values of all top level keys
func SetDefaults(v *viper.Viper) {
	v.SetDefault(DateFormatKey, naming.DefaultDateFormat)
	v.SetDefault(FilenameTemplateKey, naming.DefaultTemplate)
	v.SetDefault(CleanupKeepKey, DefaultCleanupKeep)
	v.SetDefault(CleanupKeepMediaKey, DefaultCleanupKeep)
	v.SetDefault(ParallelismKey, DefaultParallelism)
	v.SetDefault(UploadAttemptsKey, DefaultUploadAttempts)
	v.SetDefault(CleanupLockKey, LockLocal)
	v.SetDefault(ProbeAttemptsKey, DefaultProbeAttempts)
	v.SetDefault(ProbeIntervalKey, DefaultProbeInterval)
	v.SetDefault(TimeZoneKey, DefaultTimeZone)
	v.SetDefault("storage.type", StorageLocal)
	v.SetDefault("encryption.method", EncryptionGPG)
	v.SetDefault("notification.smtp.port", 25)
}

// New decodes the configuration from v and validates it
func New(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, backuperrors.ConfigurationError{Msg: "unable to decode configuration", Err: err}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the configuration before any stage runs
func (c *Config) Validate() error {
	var errs []error

	if c.CleanupKeep <= 0 {
		errs = append(errs, fmt.Errorf("%s must be greater than zero, got %d", CleanupKeepKey, c.CleanupKeep))
	}
	if c.CleanupKeepMedia <= 0 {
		errs = append(errs, fmt.Errorf("%s must be greater than zero, got %d", CleanupKeepMediaKey, c.CleanupKeepMedia))
	}
	if c.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("%s must be greater than zero, got %d", ParallelismKey, c.Parallelism))
	}
	if c.UploadAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%s must be greater than zero, got %d", UploadAttemptsKey, c.UploadAttempts))
	}

	if c.ProbeAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%s must be greater than zero, got %d", ProbeAttemptsKey, c.ProbeAttempts))
	}

	if err := naming.New(c.FilenameTemplate, c.DateFormat).Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("%s %q is not a known time zone: %w", TimeZoneKey, c.TimeZone, err))
	}

	switch c.Storage.Type {
	case StorageLocal, StorageS3, StorageGCP:
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %q", c.Storage.Type))
	}

	switch c.Encryption.Method {
	case EncryptionGPG, EncryptionAES:
	default:
		errs = append(errs, fmt.Errorf("unsupported encryption method: %q", c.Encryption.Method))
	}

	switch c.CleanupLock {
	case LockLocal:
	case LockLease:
		if c.Lease.Namespace == "" || c.Lease.Name == "" {
			errs = append(errs, errors.New("lease namespace and name must be set for the lease cleanup lock"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported cleanup lock: %q", c.CleanupLock))
	}

	var names []string
	for i, db := range c.Databases {
		if db.Name == "" {
			errs = append(errs, fmt.Errorf("databases[%d]: name must not be empty", i))
			continue
		}
		if slices.Contains(names, db.Name) {
			errs = append(errs, fmt.Errorf("databases[%d]: duplicate name %q", i, db.Name))
		}
		names = append(names, db.Name)

		switch db.Type {
		case DatabasePostgres, DatabaseRedis, DatabaseEtcd, DatabaseRethinkDB, DatabaseSQLite:
		default:
			errs = append(errs, fmt.Errorf("databases[%d]: unsupported database type: %q", i, db.Type))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return backuperrors.ConfigurationError{Msg: strings.ReplaceAll(err.Error(), "\n", ", ")}
	}

	return nil
}

// SelectDatabases returns the named database or all databases if name is empty
func (c *Config) SelectDatabases(name string) ([]DatabaseConfig, error) {
	if name == "" {
		if len(c.Databases) == 0 {
			return nil, backuperrors.ConfigurationError{Msg: "no databases configured"}
		}
		return c.Databases, nil
	}

	for _, db := range c.Databases {
		if db.Name == name {
			return []DatabaseConfig{db}, nil
		}
	}

	return nil, backuperrors.ConfigurationError{Msg: fmt.Sprintf("database %q is not configured", name)}
}

// MediaTargetName is the database name media archives are stored under
func (c *Config) MediaTargetName() string {
	if c.MediaName != "" {
		return c.MediaName
	}
	if len(c.Databases) > 0 {
		return c.Databases[0].Name
	}
	return "default"
}

// Codec returns the filename codec of the configured template, date format and time zone
func (c *Config) Codec() *naming.Codec {
	codec := naming.New(c.FilenameTemplate, c.DateFormat)
	if loc, err := time.LoadLocation(c.TimeZone); err == nil {
		codec.Location = loc
	}
	return codec
}
