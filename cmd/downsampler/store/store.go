// Package store selects the schema cache backend for the downsampler.
//
// Supported backends:
//
//   - memory: in-process cache (default). Schemas are rediscovered after a
//     restart.
//   - redis: shared cache so restarted or parallel downsamplers reuse a
//     discovered schema. Connectivity is verified at startup.
//
// Initialization is fail-fast: an unreachable redis is a startup error, the
// downsampler never runs against a broken cache.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/downsampler/cmd/downsampler/config"
	"github.com/HatiCode/downsampler/pkg/storage"
)

// PingTimeout bounds the startup connectivity check.
const PingTimeout = 5 * time.Second

// New creates the backend named by cfg.SchemaCache.
func New(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.SchemaCache {
	case "redis":
		logger.Info("initializing redis schema cache",
			"addr", cfg.RedisAddr,
			"db", cfg.RedisDB,
			"ttl", cfg.RedisTTL,
		)
		redisStore, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("redis schema cache: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), PingTimeout)
		defer cancel()
		if err := redisStore.Ping(ctx); err != nil {
			_ = redisStore.Close()
			return nil, fmt.Errorf("redis schema cache: %w", err)
		}
		logger.Info("redis schema cache initialized")
		return redisStore, nil

	case "memory", "":
		logger.Debug("initializing in-memory schema cache")
		return storage.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown schema cache %q", cfg.SchemaCache)
	}
}
