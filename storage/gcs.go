package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// GCSBackend stores documents as Cloud Storage objects.
// Object writes are atomic: the new generation only becomes visible once the writer is closed.
type GCSBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	prefix string
}

// NewGCSBackend creates a backend writing objects named prefix+name into bucket.
func NewGCSBackend(client *storage.Client, bucket, prefix string, logger *slog.Logger) *GCSBackend {
	return &GCSBackend{
		client: client,
		logger: logger,
		bucket: bucket,
		prefix: prefix,
	}
}

// Read loads the named object.
func (b *GCSBackend) Read(ctx context.Context, name string) ([]byte, error) {
	key := b.prefix + name

	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOptions(ctx, func(n uint, retryErr error) {
			b.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		})...,
	)
	if notFound {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Write replaces the named object.
func (b *GCSBackend) Write(ctx context.Context, name string, data []byte) error {
	key := b.prefix + name

	err := retry.Do(
		func() error {
			w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, func(n uint, retryErr error) {
			b.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		})...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	b.logger.Debug("Document saved", "bucket", b.bucket, "key", key, "bytes", len(data))
	return nil
}

// Close closes the underlying client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}
