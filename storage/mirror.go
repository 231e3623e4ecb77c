package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/config"
)

// GCSMirror uploads artifacts to a Google Cloud Storage bucket.
type GCSMirror struct {
	client *gcs.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSMirror creates a mirror for the configured bucket. A configured
// endpoint (e.g. a local emulator) is used without authentication.
func NewGCSMirror(ctx context.Context, cfg config.Mirror, logger *zap.Logger) (*GCSMirror, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSMirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// ObjectName returns the object key for a local artifact.
func ObjectName(prefix string, layer lakehouse.Layer, localPath string) string {
	return path.Join(prefix, string(layer), filepath.Base(localPath))
}

// Upload copies the file at localPath into the bucket.
func (m *GCSMirror) Upload(ctx context.Context, localPath string, layer lakehouse.Layer) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file %q: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	object := ObjectName(m.prefix, layer, localPath)
	w := m.client.Bucket(m.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/csv"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy %q to gs://%s/%s: %w", localPath, m.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", m.bucket, object, err)
	}

	m.logger.Info("artifact mirrored", zap.String("object", "gs://"+m.bucket+"/"+object))
	return nil
}

// Close releases the storage client.
func (m *GCSMirror) Close() error {
	return m.client.Close()
}
