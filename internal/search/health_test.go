package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/providers/common"
)

func TestProviderDiagnosticsReportsFailures(t *testing.T) {
	service, tmdb, _, _, _ := newCatalogService(WithCacheDisabled(true))
	tmdb.err = errors.New("tmdb HTTP 401: invalid api key")

	for i := 0; i < providerFailureThreshold; i++ {
		_, _ = service.Search(context.Background(), domain.SearchRequest{
			Query: "dune",
			Types: []domain.MediaType{domain.MediaTypeMovie},
		})
	}

	var diag domain.ProviderDiagnostics
	for _, item := range service.ProviderDiagnostics() {
		if item.Name == "tmdb" {
			diag = item
		}
	}
	if diag.ConsecutiveFailures != providerFailureThreshold {
		t.Fatalf("expected %d failures, got %d", providerFailureThreshold, diag.ConsecutiveFailures)
	}
	if diag.BlockedUntil == nil || diag.LastError == "" {
		t.Fatalf("expected blocked provider with last error, got %#v", diag)
	}
	if len(diag.Types) != 2 {
		t.Fatalf("expected served types in diagnostics, got %v", diag.Types)
	}

	// A blocked provider is skipped without an upstream call.
	before := tmdb.hits.Load()
	response, err := service.Search(context.Background(), domain.SearchRequest{
		Query: "dune",
		Types: []domain.MediaType{domain.MediaTypeMovie},
	})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if tmdb.hits.Load() != before {
		t.Fatal("blocked provider must not be called")
	}
	if len(response.Providers) != 1 || response.Providers[0].OK {
		t.Fatalf("expected failed status for blocked provider, got %#v", response.Providers)
	}
}

type manualClock struct{ at time.Time }

func (c *manualClock) now() time.Time { return c.at }

func newManualBreaker() (*breaker, *manualClock) {
	clock := &manualClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBreaker()
	b.now = clock.now
	return b, clock
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b, _ := newManualBreaker()
	for i := 0; i < providerFailureThreshold+2; i++ {
		b.record("tmdb", "dune", context.Canceled, time.Millisecond)
	}
	if blocked, _, _ := b.open("tmdb"); blocked {
		t.Fatal("cancellation must not count as a provider failure")
	}
}

func TestBreakerExponentialBlock(t *testing.T) {
	b, clock := newManualBreaker()
	start := clock.at
	failure := errors.New("connection timeout")

	for i := 0; i < providerFailureThreshold; i++ {
		b.record("tmdb", "dune", failure, 100*time.Millisecond)
	}
	blocked, until, _ := b.open("TMDB")
	if !blocked {
		t.Fatal("expected provider to be blocked after threshold failures")
	}
	if got := until.Sub(start); got != providerBlockBase {
		t.Fatalf("first block: expected %v, got %v", providerBlockBase, got)
	}

	clock.at = until.Add(time.Second)
	if blocked, _, _ := b.open("tmdb"); blocked {
		t.Fatal("provider should be unblocked after block expires")
	}

	b.record("tmdb", "dune", failure, 100*time.Millisecond)
	_, until, _ = b.open("tmdb")
	if got := until.Sub(clock.at); got != 2*providerBlockBase {
		t.Fatalf("second block: expected %v, got %v", 2*providerBlockBase, got)
	}

	b.record("tmdb", "dune", nil, 50*time.Millisecond)
	if blocked, _, _ := b.open("tmdb"); blocked {
		t.Fatal("success must reset the breaker")
	}
	state, _ := b.snapshot("tmdb")
	if state.consecutiveFailures != 0 || state.totalFailures != 4 || state.totalRequests != 5 {
		t.Fatalf("unexpected counters %+v", state)
	}
}

func TestBreakerBlocksOnStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"rate limited", &common.HTTPError{Provider: "jikan", StatusCode: http.StatusTooManyRequests}, rateLimitCooldown},
		{"rate limited with hint", &common.HTTPError{Provider: "jikan", StatusCode: http.StatusTooManyRequests, Wait: 90 * time.Second}, 90 * time.Second},
		{"hint capped", &common.HTTPError{Provider: "igdb", StatusCode: http.StatusTooManyRequests, Wait: time.Hour}, providerBlockMax},
		{"bad credentials", fmt.Errorf("igdb games: %w", &common.HTTPError{Provider: "igdb", StatusCode: http.StatusUnauthorized}), providerBlockMax},
		{"forbidden", &common.HTTPError{Provider: "tmdb", StatusCode: http.StatusForbidden}, providerBlockMax},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, clock := newManualBreaker()
			b.record("catalog", "q", tc.err, time.Millisecond)
			blocked, until, _ := b.open("catalog")
			if !blocked {
				t.Fatal("expected immediate block")
			}
			if got := until.Sub(clock.at); got != tc.want {
				t.Fatalf("block = %v, want %v", got, tc.want)
			}
		})
	}

	b, _ := newManualBreaker()
	b.record("openlibrary", "q", &common.HTTPError{Provider: "openlibrary", StatusCode: http.StatusBadGateway}, time.Millisecond)
	if blocked, _, _ := b.open("openlibrary"); blocked {
		t.Fatal("a single 5xx stays under the threshold")
	}
}

func TestExponentialBlockDuration(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute},
		{10, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := exponentialBlockDuration(tt.failures); got != tt.want {
			t.Errorf("exponentialBlockDuration(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
