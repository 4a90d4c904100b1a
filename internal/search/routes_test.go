package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stacked/searchservice/internal/domain"
)

type memoryRouteStore struct {
	mu      sync.Mutex
	routes  map[domain.MediaType]string
	saveErr error
	loadErr error
}

func (s *memoryRouteStore) Load(context.Context) (map[domain.MediaType]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[domain.MediaType]string, len(s.routes))
	for mediaType, name := range s.routes {
		out[mediaType] = name
	}
	return out, nil
}

func (s *memoryRouteStore) Save(_ context.Context, mediaType domain.MediaType, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.routes == nil {
		s.routes = make(map[domain.MediaType]string)
	}
	s.routes[mediaType] = provider
	return nil
}

func newJikanFake() *fakeProvider {
	return &fakeProvider{
		name:  "jikan",
		types: []domain.MediaType{domain.MediaTypeAnime},
		items: []domain.SearchResult{result("jikan", domain.MediaTypeAnime, "1", "Cowboy Bebop", rated(8.8))},
	}
}

func TestSetRouteSwitchesProviderAndPersists(t *testing.T) {
	_, anilist, _, _ := catalogProviders()
	jikan := newJikanFake()
	store := &memoryRouteStore{}
	service := NewService([]Provider{anilist, jikan}, time.Second, WithRouteStore(store))

	if err := service.SetRoute(context.Background(), domain.MediaTypeAnime, " Jikan "); err != nil {
		t.Fatalf("set route: %v", err)
	}
	if service.Routes()[domain.MediaTypeAnime] != "jikan" {
		t.Fatalf("unexpected routes %v", service.Routes())
	}
	if store.routes[domain.MediaTypeAnime] != "jikan" {
		t.Fatalf("route not persisted: %v", store.routes)
	}

	if _, err := service.Search(context.Background(), domain.SearchRequest{
		Query: "bebop",
		Types: []domain.MediaType{domain.MediaTypeAnime},
	}); err != nil {
		t.Fatalf("search error: %v", err)
	}
	if anilist.hits.Load() != 0 || jikan.hits.Load() != 1 {
		t.Fatalf("expected jikan to serve anime, got anilist=%d jikan=%d", anilist.hits.Load(), jikan.hits.Load())
	}
}

func TestSetRouteValidation(t *testing.T) {
	service, _, _, _, _ := newCatalogService()

	if err := service.SetRoute(context.Background(), domain.MediaType("podcast"), "tmdb"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if err := service.SetRoute(context.Background(), domain.MediaTypeAnime, "jikan"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if err := service.SetRoute(context.Background(), domain.MediaTypeBook, "tmdb"); !errors.Is(err, ErrProviderMismatch) {
		t.Fatalf("expected ErrProviderMismatch, got %v", err)
	}
	if service.Routes()[domain.MediaTypeBook] != "openlibrary" {
		t.Fatal("rejected change must leave the route untouched")
	}
}

func TestSetRouteReportsPersistFailure(t *testing.T) {
	_, anilist, _, _ := catalogProviders()
	store := &memoryRouteStore{saveErr: errors.New("redis down")}
	service := NewService([]Provider{anilist, newJikanFake()}, time.Second, WithRouteStore(store))

	if err := service.SetRoute(context.Background(), domain.MediaTypeAnime, "jikan"); err == nil {
		t.Fatal("expected persist error")
	}
	if service.Routes()[domain.MediaTypeAnime] != "jikan" {
		t.Fatal("in-memory route applies even when persisting fails")
	}
}

func TestRestoreRoutesSkipsInvalidEntries(t *testing.T) {
	_, anilist, openlibrary, _ := catalogProviders()
	store := &memoryRouteStore{routes: map[domain.MediaType]string{
		domain.MediaTypeAnime: "jikan",
		domain.MediaTypeBook:  "anilist",
	}}
	service := NewService([]Provider{anilist, openlibrary, newJikanFake()}, time.Second, WithRouteStore(store))
	service.RestoreRoutes(context.Background())

	routes := service.Routes()
	if routes[domain.MediaTypeAnime] != "jikan" {
		t.Fatalf("expected restored anime route, got %v", routes)
	}
	if routes[domain.MediaTypeBook] != "openlibrary" {
		t.Fatalf("mismatched persisted route must be skipped, got %v", routes)
	}
}

func TestRestoreRoutesLoadError(t *testing.T) {
	_, anilist, _, _ := catalogProviders()
	store := &memoryRouteStore{loadErr: errors.New("redis down")}
	service := NewService([]Provider{anilist}, time.Second, WithRouteStore(store))
	service.RestoreRoutes(context.Background())

	if service.Routes()[domain.MediaTypeAnime] != "anilist" {
		t.Fatalf("defaults must survive a load error, got %v", service.Routes())
	}
}
