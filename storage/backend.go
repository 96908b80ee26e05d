// Package storage handles persistence of credentials, preferences and item snapshots.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// ErrNotExist is returned when a document or entry does not exist.
var ErrNotExist = errors.New("storage: object doesn't exist")

// Backend persists whole documents by name.
// Write must replace the previous content atomically: a reader sees either the old or the new document, never a mix.
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Close() error
}

// IsNotFound checks if an error indicates a document or entry was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// retryOptions are shared by the network-backed backends.
func retryOptions(ctx context.Context, onRetry func(n uint, err error)) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(onRetry),
	}
}
