// Package s3 provides a media BlobStore backed by S3-compatible object storage (MinIO, AWS).
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config holds S3/MinIO connection settings.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// objectAPI is the subset of *minio.Client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// BlobStore streams media payloads into one bucket.
type BlobStore struct {
	api    objectAPI
	bucket string
	region string
	logger *zap.Logger
}

// New connects to the endpoint described by cfg.
func New(cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return newWithAPI(client, cfg, logger), nil
}

func newWithAPI(api objectAPI, cfg Config, logger *zap.Logger) *BlobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{api: api, bucket: cfg.Bucket, region: cfg.Region, logger: logger.Named("s3")}
}

// EnsureBucket creates the bucket if it does not exist.
func (s *BlobStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	s.logger.Info("created media bucket", zap.String("bucket", s.bucket))
	return nil
}

// PutObject streams body with an unknown size and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error) {
	key := strings.TrimPrefix(path, "/")
	if key == "" {
		return "", fmt.Errorf("path is required")
	}
	info, err := s.api.PutObject(ctx, s.bucket, key, body, -1, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload media to S3: %w", err)
	}
	s.logger.Debug("uploaded media",
		zap.String("object_key", key),
		zap.Int64("size", info.Size),
	)
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
