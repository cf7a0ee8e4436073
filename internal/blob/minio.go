package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds connection settings for an S3-compatible endpoint.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOArchiver writes uploads to an S3-compatible bucket.
type MinIOArchiver struct {
	client  objectPutter
	bucket  string
	baseURL string
	logger  *slog.Logger
}

// NewMinIOArchiver connects to the endpoint and makes sure the bucket exists.
func NewMinIOArchiver(ctx context.Context, cfg MinIOConfig, logger *slog.Logger) (*MinIOArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("minio make bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created archive bucket", "bucket", cfg.Bucket)
	}

	return &MinIOArchiver{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimSuffix(client.EndpointURL().String(), "/"),
		logger:  logger,
	}, nil
}

func (a *MinIOArchiver) Backend() string { return "minio" }

func (a *MinIOArchiver) Archive(ctx context.Context, key, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", key, err)
	}

	info, err := a.client.PutObject(ctx, a.bucket, key, f, stat.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("minio put %s: %w", key, err)
	}

	a.logger.Debug("archived upload", "bucket", a.bucket, "key", key, "size", info.Size)
	return fmt.Sprintf("%s/%s/%s", a.baseURL, a.bucket, key), nil
}
