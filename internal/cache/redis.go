// Package cache keeps hot query-surface responses in Redis so repeated
// dashboard polls do not hit the snapshot lock or the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// SummaryKey holds the latest fabric summary response.
	SummaryKey = "fabricmon:summary"
	// DevicesKey holds the latest device list response.
	DevicesKey = "fabricmon:devices"
	// TunnelsKey holds the latest tunnel list response.
	TunnelsKey = "fabricmon:tunnels"
	// SLAKeyPrefix prefixes per-target SLA report entries.
	SLAKeyPrefix = "fabricmon:sla:"
	// DefaultTTL bounds staleness to well under one poll interval.
	DefaultTTL = 30 * time.Second
)

// ErrMiss reports a key that is absent or expired.
var ErrMiss = errors.New("cache: miss")

// RedisCache is a thin JSON cache over a Redis connection.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects and verifies the Redis instance is reachable.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Set stores value as JSON under key with the cache TTL.
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

// Get loads the JSON value under key into dest. Returns ErrMiss on absence.
func (r *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Invalidate removes the given keys. Used after a successful poll cycle so
// the next read rebuilds from the fresh snapshot.
func (r *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// SLAKey builds the cache key for one SLA report query.
func SLAKey(metric, targetID string, window time.Duration) string {
	return fmt.Sprintf("%s%s:%s:%d", SLAKeyPrefix, metric, targetID, int64(window.Seconds()))
}

// Ping verifies the connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
