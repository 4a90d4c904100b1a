package search

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"stacked/searchservice/internal/domain"
)

const (
	redisCachePrefix = "stacked:search:"
	redisFeedPrefix  = "stacked:feed:"
)

// RedisCacheBackend stores search responses and feeds in Redis as JSON.
type RedisCacheBackend struct {
	client redis.UniversalClient
}

func NewRedisCacheBackend(client redis.UniversalClient) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.SearchResponse, bool, error) {
	var resp domain.SearchResponse
	found, err := r.getJSON(ctx, redisCachePrefix+key, &resp)
	return resp, found, err
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, response domain.SearchResponse, ttl time.Duration) error {
	return r.setJSON(ctx, redisCachePrefix+key, response, ttl)
}

func (r *RedisCacheBackend) GetFeed(ctx context.Context, key string) (domain.FeedResponse, bool, error) {
	var feed domain.FeedResponse
	found, err := r.getJSON(ctx, redisFeedPrefix+key, &feed)
	return feed, found, err
}

func (r *RedisCacheBackend) SetFeed(ctx context.Context, key string, feed domain.FeedResponse, ttl time.Duration) error {
	return r.setJSON(ctx, redisFeedPrefix+key, feed, ttl)
}

func (r *RedisCacheBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisCachePrefix+key).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCacheBackend) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCacheBackend) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}
