package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis backend configuration.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisBackend shares cache entries between processes through Redis. Redis
// expires keys on its own once the entry TTL has passed.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBackendWithClient(client, cfg.Prefix), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "steward:cache:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) redisKey(key string) string {
	return r.prefix + key
}

// Get returns the entry for key, or nil if absent.
func (r *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry Entry
	if err := decodeJSON(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return &entry, nil
}

// Put stores an entry with an expiry matching its remaining freshness.
func (r *RedisBackend) Put(ctx context.Context, entry *Entry) error {
	remaining := time.Until(entry.FetchedAt.Add(entry.TTL))
	if remaining <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", entry.Key, err)
	}

	if err := r.client.Set(ctx, r.redisKey(entry.Key), data, remaining).Err(); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Purge removes every entry under the backend's prefix.
func (r *RedisBackend) Purge(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to purge cache entries: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache entries: %w", err)
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to purge cache entries: %w", err)
		}
	}
	return nil
}

// Close closes the client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
