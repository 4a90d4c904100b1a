package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"stacked/searchservice/internal/domain"
)

const defaultRouteStoreKey = "stacked:search:routes:v1"

var ErrProviderMismatch = errors.New("provider does not serve media type")

// RouteStore persists runtime media type to provider overrides.
type RouteStore interface {
	Load(ctx context.Context) (map[domain.MediaType]string, error)
	Save(ctx context.Context, mediaType domain.MediaType, provider string) error
}

type RedisRouteStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisRouteStore(client redis.UniversalClient, key string) *RedisRouteStore {
	if client == nil {
		return nil
	}
	storeKey := strings.TrimSpace(key)
	if storeKey == "" {
		storeKey = defaultRouteStoreKey
	}
	return &RedisRouteStore{client: client, key: storeKey}
}

func (s *RedisRouteStore) Load(ctx context.Context) (map[domain.MediaType]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	items, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[domain.MediaType]string, len(items))
	for rawType, provider := range items {
		mediaType, ok := domain.ParseMediaType(rawType)
		name := strings.ToLower(strings.TrimSpace(provider))
		if !ok || name == "" {
			continue
		}
		out[mediaType] = name
	}
	return out, nil
}

func (s *RedisRouteStore) Save(ctx context.Context, mediaType domain.MediaType, provider string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.HSet(ctx, s.key, string(mediaType), provider).Err()
}

// SetRoute sends future searches for mediaType to provider and persists the
// choice when a RouteStore is configured.
func (s *Service) SetRoute(ctx context.Context, mediaType domain.MediaType, provider string) error {
	if !mediaType.Valid() {
		return ErrUnknownType
	}
	name := strings.ToLower(strings.TrimSpace(provider))
	registered, ok := s.providers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if !providerServes(registered, mediaType) {
		return fmt.Errorf("%w: %s does not serve %s", ErrProviderMismatch, name, mediaType)
	}

	s.routesMu.Lock()
	s.routes[mediaType] = name
	s.routesMu.Unlock()

	s.logger.Info("search route changed",
		slog.String("type", string(mediaType)),
		slog.String("provider", name),
	)
	if s.routeStore == nil {
		return nil
	}
	if err := s.routeStore.Save(ctx, mediaType, name); err != nil {
		return fmt.Errorf("persist route: %w", err)
	}
	return nil
}

// RestoreRoutes applies persisted overrides. Entries naming providers that
// are no longer registered, or that no longer serve the type, are skipped.
func (s *Service) RestoreRoutes(ctx context.Context) {
	if s.routeStore == nil {
		return
	}
	routes, err := s.routeStore.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to restore search routes", slog.String("error", err.Error()))
		return
	}

	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	for mediaType, name := range routes {
		provider, ok := s.providers[name]
		if !ok || !providerServes(provider, mediaType) {
			s.logger.Warn("skipping persisted search route",
				slog.String("type", string(mediaType)),
				slog.String("provider", name),
			)
			continue
		}
		s.routes[mediaType] = name
	}
}
