package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/downsampler/pkg/schema"
)

const keyPrefix = "downsampler:schema:"

// RedisStore caches schemas in Redis. A zero TTL keeps entries until they
// are overwritten.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to addr. Connectivity is checked by Ping, not here.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	if ttl < 0 {
		return nil, fmt.Errorf("redis ttl must be >= 0, got %v", ttl)
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Ping verifies the server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get loads the schema for measurement.
func (r *RedisStore) Get(ctx context.Context, measurement string) (schema.Schema, bool, error) {
	b, err := r.client.Get(ctx, keyPrefix+measurement).Bytes()
	if errors.Is(err, redis.Nil) {
		return schema.Schema{}, false, nil
	}
	if err != nil {
		return schema.Schema{}, false, fmt.Errorf("redis get %q: %w", measurement, err)
	}

	var s schema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return schema.Schema{}, false, fmt.Errorf("decode cached schema %q: %w", measurement, err)
	}
	return s, true, nil
}

// Put stores the schema for measurement.
func (r *RedisStore) Put(ctx context.Context, measurement string, s schema.Schema) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schema %q: %w", measurement, err)
	}
	if err := r.client.Set(ctx, keyPrefix+measurement, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", measurement, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
