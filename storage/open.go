package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
)

// Drivers accepted by Open.
const (
	DriverLocal  = "local"
	DriverGCS    = "gcs"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Driver        string
	Path          string // Directory for local, database file directory for sqlite
	Bucket        string
	Endpoint      string // Optional GCS endpoint override, e.g. an emulator
	Prefix        string // Key prefix for gcs and redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open creates the backend described by opts.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Backend, error) {
	switch opts.Driver {
	case DriverLocal, "":
		logger.Info("Using local storage", "path", opts.Path)
		return NewLocalBackend(opts.Path, logger)

	case DriverGCS:
		if opts.Bucket == "" {
			return nil, errors.New("gcs storage requires a bucket")
		}
		var clientOpts []option.ClientOption
		if opts.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", opts.Bucket, "prefix", opts.Prefix)
		return NewGCSBackend(client, opts.Bucket, opts.Prefix, logger), nil

	case DriverSQLite:
		path := filepath.Join(opts.Path, "tgtg.db")
		logger.Info("Using sqlite storage", "path", path)
		return OpenSQLite(ctx, path, logger)

	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", opts.RedisAddr, err)
		}
		logger.Info("Using redis storage", "addr", opts.RedisAddr, "db", opts.RedisDB, "prefix", opts.Prefix)
		return NewRedisBackend(client, opts.Prefix, logger), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
}
