package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"getitdone/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisInFlightSet stores in-flight marks as expiring keys so several
// processes sharing one store see the same marks.
type RedisInFlightSet struct {
	client *redis.Client
	prefix string
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisInFlightSet(client *redis.Client, prefix string) *RedisInFlightSet {
	return &RedisInFlightSet{client: client, prefix: prefix}
}

func (r *RedisInFlightSet) key(id string) string {
	return fmt.Sprintf("%s:inflight:%s", r.prefix, id)
}

func (r *RedisInFlightSet) Mark(ctx context.Context, id string, ttl time.Duration) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Set(ctx, r.key(id), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark in-flight: %w", err)
	}
	return nil
}

func (r *RedisInFlightSet) Contains(ctx context.Context, id string) (bool, error) {
	if r.client == nil {
		return false, errors.New("redis client is nil")
	}
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check in-flight: %w", err)
	}
	return n > 0, nil
}

func (r *RedisInFlightSet) Clear(ctx context.Context, id string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to clear in-flight: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
