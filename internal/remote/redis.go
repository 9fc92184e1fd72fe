package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// RedisConfig configures the Redis mirror.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"-"`
}

// redisMergeAttempts bounds retries of an optimistic merge transaction.
const redisMergeAttempts = 5

// Redis is a Mirror keeping one hash per table; hash fields are record keys
// and values are JSON documents.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis creates a Redis mirror. No connection is made until first use.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "dentdesk"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &Redis{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (r *Redis) hashKey(table string) string {
	return r.prefix + ":" + table
}

// Upsert merges rec into the stored document inside a WATCH transaction, so
// concurrent writers never lose each other's fields.
func (r *Redis) Upsert(ctx context.Context, table, key string, rec schema.Record) error {
	hkey := r.hashKey(table)

	merge := func(tx *redis.Tx) error {
		var current schema.Record
		raw, err := tx.HGet(ctx, hkey, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = schema.Unmarshal([]byte(raw)); err != nil {
				return fmt.Errorf("corrupt document %s/%s: %w", table, key, err)
			}
		}

		data, err := schema.Merge(current, rec).Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", table, key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, key, data)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < redisMergeAttempts; attempt++ {
		err = r.rdb.Watch(ctx, merge, hkey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return unavailable("redis upsert", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, table, key string) error {
	if err := r.rdb.HDel(ctx, r.hashKey(table), key).Err(); err != nil {
		return unavailable("redis hdel", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, table string) ([]schema.Record, error) {
	values, err := r.rdb.HGetAll(ctx, r.hashKey(table)).Result()
	if err != nil {
		return nil, unavailable("redis hgetall", err)
	}

	records := make([]schema.Record, 0, len(values))
	for key, raw := range values {
		rec, err := schema.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("corrupt document %s/%s: %w", table, key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
