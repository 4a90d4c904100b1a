package igdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/providers/common"
)

const gamesPayload = `[
	{"id":1942,"name":"The Witcher 3: Wild Hunt","summary":"Geralt hunts.","total_rating":92.4,
	 "first_release_date":1431993600,"cover":{"image_id":"co1wyy"},
	 "involved_companies":[{"developer":false,"company":{"name":"Bandai Namco"}},{"developer":true,"company":{"name":"CD Projekt RED"}}],
	 "genres":[{"name":"Role-playing (RPG)"}]},
	{"id":7,"name":"Thumb Only","rating":70,"cover":{"url":"//images.igdb.com/igdb/image/upload/t_thumb/abc.jpg"},
	 "genres":[{"name":"Puzzle"}]},
	{"id":0,"name":"invalid"}
]`

type fakeIGDB struct {
	server       *httptest.Server
	tokenCalls   atomic.Int32
	gameCalls    atomic.Int32
	rejectFirst  atomic.Bool
	lastBody     atomic.Value
	issuedTokens atomic.Int32
}

func newFakeIGDB(t *testing.T) *fakeIGDB {
	t.Helper()
	fake := &fakeIGDB{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		fake.tokenCalls.Add(1)
		query := r.URL.Query()
		if r.Method != http.MethodPost || query.Get("grant_type") != "client_credentials" || query.Get("client_id") != "client" || query.Get("client_secret") != "secret" {
			t.Errorf("unexpected token request %s %s", r.Method, r.URL.RawQuery)
		}
		n := fake.issuedTokens.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"token-` + string(rune('0'+n)) + `","expires_in":3600,"token_type":"bearer"}`))
	})
	mux.HandleFunc("/v4/games", func(w http.ResponseWriter, r *http.Request) {
		fake.gameCalls.Add(1)
		if r.Header.Get("Client-ID") != "client" {
			t.Errorf("missing Client-ID header")
		}
		if fake.rejectFirst.CompareAndSwap(true, false) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		fake.lastBody.Store(string(body))
		_, _ = w.Write([]byte(gamesPayload))
	})
	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeIGDB) provider(tokens TokenCache) *Provider {
	return NewProvider(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     f.server.URL + "/v4",
		TokenURL:     f.server.URL + "/oauth2/token",
		Client:       f.server.Client(),
		Tokens:       tokens,
	})
}

func (f *fakeIGDB) body() string {
	value, _ := f.lastBody.Load().(string)
	return value
}

func TestSearchNormalizesGames(t *testing.T) {
	fake := newFakeIGDB(t)
	provider := fake.provider(nil)

	items, err := provider.Search(context.Background(), domain.SearchRequest{Query: `witcher "3"`, Limit: 8, Page: 2})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	body := fake.body()
	if !strings.Contains(body, `search "witcher \"3\"";`) || !strings.Contains(body, "limit 8;") || !strings.Contains(body, "offset 8;") {
		t.Fatalf("unexpected apicalypse body %q", body)
	}

	witcher := items[0]
	if witcher.ID != "igdb-game-1942" || witcher.Subtitle != "CD Projekt RED" || witcher.Year != 2015 {
		t.Fatalf("unexpected first item %#v", witcher)
	}
	if witcher.CoverURL != "https://images.igdb.com/igdb/image/upload/t_cover_big/co1wyy.jpg" {
		t.Fatalf("unexpected cover %q", witcher.CoverURL)
	}
	if witcher.Rating == nil || *witcher.Rating != 9.2 {
		t.Fatalf("expected 92.4/100 to become 9.2, got %v", witcher.Rating)
	}

	thumb := items[1]
	if thumb.CoverURL != "https://images.igdb.com/igdb/image/upload/t_cover_big/abc.jpg" {
		t.Fatalf("protocol-relative cover not resolved: %q", thumb.CoverURL)
	}
	if thumb.Rating == nil || *thumb.Rating != 7 || thumb.Subtitle != "Puzzle" {
		t.Fatalf("unexpected fallbacks %#v", thumb)
	}
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	fake := newFakeIGDB(t)
	provider := fake.provider(nil)

	for i := 0; i < 3; i++ {
		if _, err := provider.Search(context.Background(), domain.SearchRequest{Query: "zelda"}); err != nil {
			t.Fatalf("search error: %v", err)
		}
	}
	if got := fake.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected a single token fetch, got %d", got)
	}
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	fake := newFakeIGDB(t)
	provider := fake.provider(nil)
	fake.rejectFirst.Store(true)

	if _, err := provider.Search(context.Background(), domain.SearchRequest{Query: "zelda"}); err != nil {
		t.Fatalf("search error: %v", err)
	}
	if fake.tokenCalls.Load() != 2 || fake.gameCalls.Load() != 2 {
		t.Fatalf("expected refresh and retry, got %d token / %d game calls", fake.tokenCalls.Load(), fake.gameCalls.Load())
	}
}

func TestExpiredTokenIsRefetched(t *testing.T) {
	fake := newFakeIGDB(t)
	tokens := NewMemoryTokenCache()
	tokens.Set("stale", time.Now().Add(-time.Minute))
	provider := fake.provider(tokens)

	if _, err := provider.Popular(context.Background(), domain.MediaTypeGame, 5); err != nil {
		t.Fatalf("popular error: %v", err)
	}
	if fake.tokenCalls.Load() != 1 {
		t.Fatalf("expected token refresh, got %d", fake.tokenCalls.Load())
	}
	token, ok := tokens.Get(time.Now())
	if !ok || token != "token-1" {
		t.Fatalf("expected refreshed token in cache, got %q %v", token, ok)
	}
	if _, ok := tokens.Get(time.Now().Add(time.Hour - 30*time.Second)); ok {
		t.Fatal("token must expire before the upstream expiry")
	}
	if !strings.Contains(fake.body(), "sort total_rating_count desc;") {
		t.Fatalf("unexpected popular body %q", fake.body())
	}
}

func TestTrendingUsesReleaseWindow(t *testing.T) {
	fake := newFakeIGDB(t)
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	provider := NewProvider(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     fake.server.URL + "/v4",
		TokenURL:     fake.server.URL + "/oauth2/token",
		Client:       fake.server.Client(),
		Now:          func() time.Time { return now },
	})

	if _, err := provider.Trending(context.Background(), domain.MediaTypeGame, 5); err != nil {
		t.Fatalf("trending error: %v", err)
	}
	body := fake.body()
	if !strings.Contains(body, "sort hypes desc;") || !strings.Contains(body, "first_release_date < 1790812800") {
		t.Fatalf("unexpected trending body %q", body)
	}
}

func TestUnconfiguredProvider(t *testing.T) {
	provider := NewProvider(Config{})
	if provider.Info().Enabled {
		t.Fatal("provider without credentials must report disabled")
	}
	if _, err := provider.Search(context.Background(), domain.SearchRequest{Query: "zelda"}); !errors.Is(err, common.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTokenEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusBadRequest)
	}))
	defer server.Close()

	provider := NewProvider(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     server.URL,
		TokenURL:     server.URL,
		Client:       server.Client(),
	})
	_, err := provider.Search(context.Background(), domain.SearchRequest{Query: "zelda"})
	var httpErr *common.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected wrapped token HTTPError, got %v", err)
	}
}

func TestMemoryTokenCache(t *testing.T) {
	cache := NewMemoryTokenCache()
	now := time.Now()
	if _, ok := cache.Get(now); ok {
		t.Fatal("empty cache must miss")
	}
	cache.Set("abc", now.Add(time.Minute))
	if token, ok := cache.Get(now); !ok || token != "abc" {
		t.Fatalf("expected hit, got %q %v", token, ok)
	}
	if _, ok := cache.Get(now.Add(time.Minute)); ok {
		t.Fatal("token must expire at expiresAt")
	}
	cache.Invalidate()
	if _, ok := cache.Get(now); ok {
		t.Fatal("invalidated cache must miss")
	}
}

func TestRedisTokenCacheUnavailableMisses(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cache := NewRedisTokenCache(client, "")
	cache.Set("abc", time.Now().Add(time.Minute))
	if _, ok := cache.Get(time.Now()); ok {
		t.Fatal("unreachable redis must report a miss")
	}
	cache.Invalidate()
}

func TestQuoteEscapes(t *testing.T) {
	if got := quote(`a "b" \c`); got != `"a \"b\" \\c"` {
		t.Fatalf("unexpected quote %s", got)
	}
}
