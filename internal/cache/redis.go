// Package cache keeps finished analysis results in Redis, keyed by the SHA-256 of the media,
// so a re-upload of identical bytes skips local inference.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "deepscan:result:"

// Config holds Redis connection configuration.
type Config struct {
	Addr     string // host:port
	Password string
	DB       int
	TTL      time.Duration // 0 keeps entries forever
}

// ResultCache is a Redis-backed store of AnalysisResults.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*ResultCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to Redis result cache")
	return newWithClient(client, cfg.TTL, logger), nil
}

func newWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *ResultCache {
	return &ResultCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached result for key, or nil on a miss.
func (c *ResultCache) Get(ctx context.Context, key string) (*types.AnalysisResult, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var res types.AnalysisResult
	if err := json.Unmarshal(val, &res); err != nil {
		// A corrupt entry is a miss; drop it so it gets rewritten.
		c.logger.Warn().Err(err).Str("key", key).Msg("json unmarshal failed, evicting entry")
		c.client.Del(ctx, keyPrefix+key)
		return nil, nil
	}
	return &res, nil
}

// Set stores res under key with the configured TTL.
func (c *ResultCache) Set(ctx context.Context, key string, res *types.AnalysisResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err()
}

// HealthCheck checks if Redis is available.
func (c *ResultCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *ResultCache) Close() error {
	return c.client.Close()
}
