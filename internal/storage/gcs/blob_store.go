// Package gcs stores fetched documents in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// BlobStore writes objects into a single bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	log    *zap.Logger
}

// New opens a client using Application Default Credentials. endpoint is only
// set for emulators and tests, in which case authentication is disabled.
func New(ctx context.Context, bucket, endpoint string, logger *zap.Logger) (*BlobStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return NewWithClient(client, bucket, logger), nil
}

func NewWithClient(client *storage.Client, bucket string, logger *zap.Logger) *BlobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{client: client, bucket: bucket, log: logger.Named("gcs")}
}

// Put uploads data under key and returns its gs:// URI.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("gcs: object key is required")
	}

	wc := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			b.log.Warn("failed to close writer after write failure", zap.String("key", key), zap.Error(closeErr))
		}
		return "", fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize GCS object %s: %w", key, err)
	}

	return fmt.Sprintf("gs://%s/%s", b.bucket, key), nil
}

func (b *BlobStore) Close() error {
	return b.client.Close()
}
