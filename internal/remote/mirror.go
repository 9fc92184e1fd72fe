// Package remote implements the cloud mirror of the local store.
//
// A mirror holds one collection per table. Documents are addressed by the
// record key and every write is a merge-upsert: fields present only in the
// remote document survive a write that doesn't mention them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/dentdesk/dentdesk/internal/schema"
)

var (
	// ErrUnavailable wraps every failure to reach the mirror.
	ErrUnavailable = errors.New("remote mirror unavailable")

	// ErrNotFound is returned when a document doesn't exist.
	ErrNotFound = errors.New("document not found")
)

// Mirror is a remote document store.
type Mirror interface {
	// Upsert merges rec into the document stored under key, creating it if needed.
	Upsert(ctx context.Context, table, key string, rec schema.Record) error

	// Delete removes the document stored under key. Deleting a missing
	// document is not an error.
	Delete(ctx context.Context, table, key string) error

	// List returns every document of table.
	List(ctx context.Context, table string) ([]schema.Record, error)

	// Ping checks that the mirror is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Mirror kinds accepted by New.
const (
	KindNone   = "none"
	KindMemory = "memory"
	KindS3     = "s3"
	KindGCS    = "gcs"
	KindRedis  = "redis"
)

// Config selects and configures a mirror implementation.
type Config struct {
	Kind   string      `mapstructure:"kind"`
	Prefix string      `mapstructure:"prefix"`
	S3     S3Config    `mapstructure:"s3"`
	GCS    GCSConfig   `mapstructure:"gcs"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// New builds the mirror selected by cfg.Kind. Kind "none" (or empty) returns
// a nil Mirror and no error: the application then runs local-only.
func New(ctx context.Context, cfg Config) (Mirror, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindMemory:
		return NewMemory(), nil
	}

	var (
		m   Mirror
		err error
	)
	switch cfg.Kind {
	case KindS3:
		cfg.S3.Prefix = cfg.Prefix
		m, err = NewS3(ctx, cfg.S3)
	case KindGCS:
		cfg.GCS.Prefix = cfg.Prefix
		m, err = NewGCS(ctx, cfg.GCS)
	case KindRedis:
		cfg.Redis.Prefix = cfg.Prefix
		m, err = NewRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s mirror: %w", cfg.Kind, err)
	}
	return m, nil
}

// objectKey returns the object name of a document in blob-style mirrors:
// <prefix>/<table>/<key>.json.
func objectKey(prefix, table, key string) string {
	return path.Join(prefix, table, url.PathEscape(key)+".json")
}

// tablePrefix returns the object name prefix shared by a table's documents.
func tablePrefix(prefix, table string) string {
	return path.Join(prefix, table) + "/"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
