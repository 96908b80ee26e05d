package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalBackend stores documents as JSON files in a directory.
type LocalBackend struct {
	logger *slog.Logger
	dir    string
}

// NewLocalBackend creates the directory if needed and returns a backend rooted at it.
func NewLocalBackend(dir string, logger *slog.Logger) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalBackend{dir: dir, logger: logger}, nil
}

// Read returns the content of the named document.
func (b *LocalBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

// Write replaces the named document by writing a temp file in the same directory and renaming it over the target.
func (b *LocalBackend) Write(_ context.Context, name string, data []byte) error {
	target := filepath.Join(b.dir, name)

	tmp, err := os.CreateTemp(b.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			b.logger.Warn("Failed to remove temp file", "path", tmpPath, "error", removeErr)
		}
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", name, err)
	}

	b.logger.Debug("Document saved to local storage", "path", target, "bytes", len(data))
	return nil
}

// Close is a no-op for local storage.
func (*LocalBackend) Close() error { return nil }
