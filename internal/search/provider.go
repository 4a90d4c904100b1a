package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"stacked/searchservice/internal/domain"
)

var (
	ErrNoProviders      = errors.New("no search providers configured")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrUnknownType      = errors.New("unknown media type")
	ErrFeedUnsupported  = errors.New("provider does not expose this feed")
	ErrSearchFailed     = errors.New("search failed")
	errProviderPanicked = errors.New("provider panicked")
)

var defaultTypeProviders = map[domain.MediaType]string{
	domain.MediaTypeMovie: "tmdb",
	domain.MediaTypeTV:    "tmdb",
	domain.MediaTypeAnime: "anilist",
	domain.MediaTypeBook:  "openlibrary",
	domain.MediaTypeGame:  "igdb",
}

// Provider is one external catalog. Search receives a request whose Types
// holds exactly the media type being fanned out.
type Provider interface {
	Name() string
	Info() domain.ProviderInfo
	Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error)
}

// FeedProvider is implemented by catalogs that expose browse feeds.
type FeedProvider interface {
	Popular(ctx context.Context, mediaType domain.MediaType, limit int) ([]domain.SearchResult, error)
	Trending(ctx context.Context, mediaType domain.MediaType, limit int) ([]domain.SearchResult, error)
}

// LibraryChecker reports which result IDs already exist in the user's library.
type LibraryChecker interface {
	ContainsResults(ctx context.Context, items []domain.SearchResult) (map[string]bool, error)
}

type Service struct {
	providers        map[string]Provider
	order            []string
	routesMu         sync.RWMutex
	routes           map[domain.MediaType]string
	routeStore       RouteStore
	timeout          time.Duration
	perProviderLimit int
	retry            RetryConfig
	logger           *slog.Logger
	tracer           trace.Tracer
	library          LibraryChecker

	cacheDisabled bool
	cacheTTL      time.Duration
	staleTTL      time.Duration
	cacheMax      int
	cacheMu       sync.Mutex
	cache         map[string]*cachedSearchResponse
	redisCache    *RedisCacheBackend

	feedTTL   time.Duration
	feedMu    sync.Mutex
	feeds     map[string]cachedFeed
	feedGroup singleflight.Group

	breaker *breaker
}

type ServiceOption func(*Service)

func WithRedisCache(backend *RedisCacheBackend) ServiceOption {
	return func(s *Service) {
		s.redisCache = backend
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
			s.staleTTL = ttl * 3
		}
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithFeedTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.feedTTL = ttl
		}
	}
}

// WithRoute sends searches for mediaType to the named provider.
func WithRoute(mediaType domain.MediaType, provider string) ServiceOption {
	return func(s *Service) {
		name := strings.ToLower(strings.TrimSpace(provider))
		if name != "" && mediaType.Valid() {
			s.routes[mediaType] = name
		}
	}
}

// WithRouteStore persists runtime route changes made through SetRoute.
func WithRouteStore(store RouteStore) ServiceOption {
	return func(s *Service) {
		s.routeStore = store
	}
}

func WithPerProviderLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.perProviderLimit = limit
		}
	}
}

func WithRetryConfig(cfg RetryConfig) ServiceOption {
	return func(s *Service) {
		s.retry = cfg
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithLibrary(checker LibraryChecker) ServiceOption {
	return func(s *Service) {
		s.library = checker
	}
}

func NewService(providers []Provider, timeout time.Duration, opts ...ServiceOption) *Service {
	registry := make(map[string]Provider, len(providers))
	order := make([]string, 0, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Name()))
		if name == "" {
			continue
		}
		if _, exists := registry[name]; exists {
			continue
		}
		registry[name] = provider
		order = append(order, name)
	}

	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	routes := make(map[domain.MediaType]string, len(defaultTypeProviders))
	for mediaType, name := range defaultTypeProviders {
		routes[mediaType] = name
	}

	svc := &Service{
		providers:        registry,
		order:            order,
		routes:           routes,
		timeout:          timeout,
		perProviderLimit: defaultPerProviderLimit,
		retry:            DefaultRetryConfig(),
		logger:           slog.Default(),
		tracer:           otel.Tracer("stacked/searchservice/search"),
		cacheTTL:         defaultCacheTTL,
		staleTTL:         defaultStaleTTL,
		cacheMax:         defaultCacheMaxEntries,
		cache:            make(map[string]*cachedSearchResponse),
		feedTTL:          defaultFeedTTL,
		feeds:            make(map[string]cachedFeed),
		breaker:          newBreaker(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// StartBackground keeps the browse feeds warm until ctx is done.
func (s *Service) StartBackground(ctx context.Context) {
	go s.runFeedWarmer(ctx)
}

func (s *Service) Providers() []domain.ProviderInfo {
	if len(s.providers) == 0 {
		return nil
	}
	items := make([]domain.ProviderInfo, 0, len(s.providers))
	for _, name := range s.order {
		info := s.providers[name].Info()
		if info.Name == "" {
			info.Name = name
		}
		info.Name = strings.ToLower(strings.TrimSpace(info.Name))
		if info.Label == "" {
			info.Label = info.Name
		}
		items = append(items, info)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

// Routes reports which provider currently serves each media type.
func (s *Service) Routes() map[domain.MediaType]string {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()
	out := make(map[domain.MediaType]string, len(s.routes))
	for mediaType, name := range s.routes {
		if _, ok := s.providers[name]; ok {
			out[mediaType] = name
		}
	}
	return out
}

func (s *Service) providerForType(mediaType domain.MediaType) (Provider, error) {
	if !mediaType.Valid() {
		return nil, ErrUnknownType
	}
	s.routesMu.RLock()
	name, ok := s.routes[mediaType]
	s.routesMu.RUnlock()
	if !ok {
		return nil, ErrNoProviders
	}
	provider, ok := s.providers[name]
	if !ok {
		return nil, ErrNoProviders
	}
	return provider, nil
}

func providerServes(provider Provider, mediaType domain.MediaType) bool {
	for _, served := range provider.Info().Types {
		if served == mediaType {
			return true
		}
	}
	return false
}
