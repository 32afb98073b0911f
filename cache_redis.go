package rentsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheBackend stores snapshot entries in Redis, so several processes
// on one host or a CLI and a daemon can share a warm cache.
type RedisCacheBackend struct {
	cli     *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCacheBackend connects to url (redis://...) and pings it.
// Entries expire after ttl; zero keeps them until overwritten.
func NewRedisCacheBackend(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisCacheBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCacheBackend{cli: cli, prefix: prefix, ttl: ttl, timeout: 2 * time.Second}, nil
}

// NewRedisCacheBackendFromClient wraps an existing client.
func NewRedisCacheBackendFromClient(cli *redis.Client, prefix string, ttl time.Duration) *RedisCacheBackend {
	return &RedisCacheBackend{cli: cli, prefix: prefix, ttl: ttl, timeout: 2 * time.Second}
}

func (b *RedisCacheBackend) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	data, err := b.cli.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *RedisCacheBackend) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	err := b.cli.Set(ctx, b.prefix+key, value, b.ttl).Err()
	if err != nil && strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func (b *RedisCacheBackend) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.cli.Del(ctx, b.prefix+key).Err()
}

// Close releases the connection pool.
func (b *RedisCacheBackend) Close() error {
	return b.cli.Close()
}
