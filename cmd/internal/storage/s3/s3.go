package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/spf13/afero"
)

const (
	backendName = "s3"

	defaultRegion = "us-east-1"
)

// StorageS3 stores artifacts in a S3 bucket
type StorageS3 struct {
	fs     afero.Fs
	log    *slog.Logger
	client *s3.Client
	config *StorageConfigS3
}

// StorageConfigS3 provides configuration for the StorageS3
type StorageConfigS3 struct {
	BucketName   string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	ObjectPrefix string
	FS           afero.Fs
}

func (c *StorageConfigS3) validate() error {
	if c.BucketName == "" {
		return errors.New("s3 bucket name must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("s3 accesskey must not be empty")
	}
	if c.SecretKey == "" {
		return errors.New("s3 secretkey must not be empty")
	}

	return nil
}

// New returns a S3 storage, no request is sent to the endpoint
func New(ctx context.Context, log *slog.Logger, cfg *StorageConfigS3) (*StorageS3, error) {
	if cfg == nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: errors.New("s3 storage requires a config")}
	}

	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	cfg.ObjectPrefix = strings.Trim(cfg.ObjectPrefix, "/")

	err := cfg.validate()
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: err}
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, backuperrors.StorageError{Backend: backendName, Op: "init", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &StorageS3{
		client: client,
		config: cfg,
		log:    log,
		fs:     cfg.FS,
	}, nil
}

func (s *StorageS3) Name() string {
	return backendName
}

// Write uploads the file, an existing object with the same key is replaced
func (s *StorageS3) Write(ctx context.Context, localPath string) error {
	r, err := s.fs.Open(localPath)
	if err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "write", Err: err}
	}
	defer func() {
		_ = r.Close()
	}()

	destination := s.key(filepath.Base(localPath))

	s.log.Debug("uploading object", "src", localPath, "dest", destination)

	uploader := manager.NewUploader(s.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(destination),
		Body:   r,
	})
	if err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "write", Err: err}
	}

	return nil
}

// List returns the objects directly below the object prefix
func (s *StorageS3) List(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.config.BucketName),
		Delimiter: aws.String("/"),
	}
	if s.config.ObjectPrefix != "" {
		input.Prefix = aws.String(s.config.ObjectPrefix + "/")
	}

	var names []string

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, backuperrors.StorageError{Backend: backendName, Op: "list", Err: err}
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			names = append(names, s.name(*obj.Key))
		}
	}

	return names, nil
}

// Delete removes the object. S3 does not report missing keys, so deleting an absent object succeeds.
func (s *StorageS3) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return backuperrors.StorageError{Backend: backendName, Op: "delete", Err: err}
	}

	s.log.Debug("deleted object", "name", name)

	return nil
}

// Read streams the object, parts are downloaded in order
func (s *StorageS3) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(s.key(name)),
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: input.Bucket, Key: input.Key})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return nil, backuperrors.NotFoundError{Name: name}
		}
		return nil, backuperrors.StorageError{Backend: backendName, Op: "read", Err: err}
	}

	pr, pw := io.Pipe()

	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.Concurrency = 1
	})

	go func() {
		_, err := downloader.Download(ctx, orderedWriter{w: pw}, input)
		if err != nil {
			err = backuperrors.StorageError{Backend: backendName, Op: "read", Err: fmt.Errorf("downloading %s: %w", name, err)}
		}
		_ = pw.CloseWithError(err)
	}()

	return pr, nil
}

func (s *StorageS3) key(name string) string {
	if s.config.ObjectPrefix == "" {
		return name
	}
	return s.config.ObjectPrefix + "/" + name
}

func (s *StorageS3) name(key string) string {
	if s.config.ObjectPrefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.config.ObjectPrefix+"/")
}
