package igdb

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisTokenKey = "stacked:igdb:token"
	redisTokenTimeout    = 2 * time.Second
)

// TokenCache holds the current IGDB access token. Implementations must be
// safe for concurrent use; a missing or expired token reports ok=false.
type TokenCache interface {
	Get(now time.Time) (string, bool)
	Set(token string, expiresAt time.Time)
	Invalidate()
}

type MemoryTokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) Get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !now.Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *MemoryTokenCache) Set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.token = token
	c.expiresAt = expiresAt
	c.mu.Unlock()
}

func (c *MemoryTokenCache) Invalidate() {
	c.Set("", time.Time{})
}

// RedisTokenCache shares one token between replicas. Redis owns the expiry,
// so Get ignores now.
type RedisTokenCache struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

func NewRedisTokenCache(client redis.UniversalClient, key string) *RedisTokenCache {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisTokenKey
	}
	return &RedisTokenCache{client: client, key: key, logger: slog.Default()}
}

func (c *RedisTokenCache) Get(_ time.Time) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTokenTimeout)
	defer cancel()

	token, err := c.client.Get(ctx, c.key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("igdb token cache read failed", slog.String("error", err.Error()))
		}
		return "", false
	}
	return token, token != ""
}

func (c *RedisTokenCache) Set(token string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if token == "" || ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTokenTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key, token, ttl).Err(); err != nil {
		c.logger.Warn("igdb token cache write failed", slog.String("error", err.Error()))
	}
}

func (c *RedisTokenCache) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), redisTokenTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		c.logger.Warn("igdb token cache delete failed", slog.String("error", err.Error()))
	}
}
