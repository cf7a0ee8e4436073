package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSArchiver writes uploads to a Cloud Storage bucket. Objects are only
// created if absent, so a retried archive of the same key is a no-op.
type GCSArchiver struct {
	bucket *storage.BucketHandle
	name   string
	logger *slog.Logger
}

func NewGCSArchiver(client *storage.Client, bucket string, logger *slog.Logger) *GCSArchiver {
	return &GCSArchiver{bucket: client.Bucket(bucket), name: bucket, logger: logger}
}

func (a *GCSArchiver) Backend() string { return "gcs" }

func (a *GCSArchiver) Archive(ctx context.Context, key, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()

	url := fmt.Sprintf("gs://%s/%s", a.name, key)

	w := a.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			a.logger.Info("object already archived", "key", key)
			return url, nil
		}
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			a.logger.Info("object already archived", "key", key)
			return url, nil
		}
		return "", fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return url, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
