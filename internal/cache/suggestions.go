// Package cache provides the Redis-backed shared cache for suggestion
// analysis responses. Deployments with several triage consoles share one
// cache so identical referral snapshots are analyzed once.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rtt-pathway-engine/internal/domain"
)

// RedisCache implements domain.SuggestionCache on Redis.
type RedisCache struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewRedisCache creates the cache client and verifies connectivity.
func NewRedisCache(config domain.CacheConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &RedisCache{
		redis:      client,
		defaultTTL: ttl,
	}, nil
}

// cachedResponse wraps a suggestion response with cache metadata.
type cachedResponse struct {
	Response  *domain.SuggestionResponse `json:"response"`
	CachedAt  time.Time                  `json:"cached_at"`
	ExpiresAt time.Time                  `json:"expires_at"`
}

// Get retrieves a cached analysis response by snapshot key.
func (c *RedisCache) Get(ctx context.Context, key string) (*domain.SuggestionResponse, bool, error) {
	val, err := c.redis.Get(ctx, cacheKey(key)).Result()
	if err == redis.Nil {
		return nil, false, nil // Cache miss
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get suggestion cache: %w", err)
	}

	var cached cachedResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Remove corrupted cache entry
		c.redis.Del(ctx, cacheKey(key))
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, cacheKey(key))
		return nil, false, nil
	}

	return cached.Response, true, nil
}

// Set caches an analysis response under the snapshot key.
func (c *RedisCache) Set(ctx context.Context, key string, response *domain.SuggestionResponse) error {
	cached := cachedResponse{
		Response:  response,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(c.defaultTTL),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal suggestion cache data: %w", err)
	}

	return c.redis.Set(ctx, cacheKey(key), jsonData, c.defaultTTL).Err()
}

// Invalidate removes the cached response for a snapshot key.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	return c.redis.Del(ctx, cacheKey(key)).Err()
}

// Ping checks if the Redis connection is alive.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.redis.Close()
}

func cacheKey(key string) string {
	return "suggestions:snapshot:" + key
}
