package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each document under a single key.
type RedisBackend struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, prefix string, logger *slog.Logger) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, logger: logger}
}

// Read fetches the document stored at prefix+name.
func (b *RedisBackend) Read(ctx context.Context, name string) ([]byte, error) {
	key := b.prefix + name

	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			var getErr error
			data, getErr = b.client.Get(ctx, key).Bytes()
			if errors.Is(getErr, redis.Nil) {
				notFound = true
				return retry.Unrecoverable(getErr)
			}
			if getErr != nil {
				return fmt.Errorf("redis get: %w", getErr)
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

// Write replaces the document with a single SET, which redis applies atomically.
func (b *RedisBackend) Write(ctx context.Context, name string, data []byte) error {
	key := b.prefix + name

	err := retry.Do(
		func() error {
			if setErr := b.client.Set(ctx, key, data, 0).Err(); setErr != nil {
				return fmt.Errorf("redis set: %w", setErr)
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

	b.logger.Debug("Document saved to redis", "key", key, "bytes", len(data))
	return nil
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
