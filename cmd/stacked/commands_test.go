package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/search"
)

type fakeCatalog struct {
	mu       sync.Mutex
	requests []domain.SearchRequest
	feeds    []domain.FeedKind
	err      error
	closed   bool
}

func (f *fakeCatalog) Search(_ context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()
	if f.err != nil {
		return domain.SearchResponse{}, f.err
	}
	rating := 8.4
	items := []domain.SearchResult{{
		ID:             domain.ResultID("tmdb", domain.MediaTypeMovie, "438631"),
		Title:          strings.ToUpper(request.Query[:1]) + request.Query[1:],
		Type:           domain.MediaTypeMovie,
		Year:           2021,
		Rating:         &rating,
		ExternalID:     "438631",
		ExternalSource: "tmdb",
	}}
	return domain.SearchResponse{
		Query:      request.Query,
		Items:      items,
		TotalItems: len(items),
		Providers: []domain.ProviderStatus{
			{Name: "tmdb", Type: domain.MediaTypeMovie, OK: true, Count: 1},
			{Name: "igdb", Type: domain.MediaTypeGame, Error: "status 401"},
		},
		Final: true,
	}, nil
}

func (f *fakeCatalog) Popular(_ context.Context, mediaType domain.MediaType, _ int) (domain.FeedResponse, error) {
	return f.feed(domain.FeedPopular, mediaType)
}

func (f *fakeCatalog) Trending(_ context.Context, mediaType domain.MediaType, _ int) (domain.FeedResponse, error) {
	return f.feed(domain.FeedTrending, mediaType)
}

func (f *fakeCatalog) feed(kind domain.FeedKind, mediaType domain.MediaType) (domain.FeedResponse, error) {
	f.mu.Lock()
	f.feeds = append(f.feeds, kind)
	f.mu.Unlock()
	if f.err != nil {
		return domain.FeedResponse{}, f.err
	}
	return domain.FeedResponse{
		Type:     mediaType,
		Kind:     kind,
		Provider: "openlibrary",
		Items: []domain.SearchResult{{
			ID: "openlibrary-book-OL1W", Title: "Dune", Type: mediaType, ExternalID: "OL1W", ExternalSource: "openlibrary",
		}},
	}, nil
}

func (f *fakeCatalog) queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, request := range f.requests {
		out = append(out, request.Query)
	}
	return out
}

func runCLI(t *testing.T, fake *fakeCatalog, stdin string, args ...string) (string, error) {
	t.Helper()
	open := func(context.Context, globalOptions) (catalog, func(), error) {
		return fake, func() { fake.closed = true }, nil
	}
	cmd := newRootCmd(open)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSearchCommandTable(t *testing.T) {
	fake := &fakeCatalog{}
	out, err := runCLI(t, fake, "", "search", "dune", "part", "two", "--types", "movie,show", "--limit", "5")
	require.NoError(t, err)

	require.Len(t, fake.requests, 1)
	request := fake.requests[0]
	assert.Equal(t, "dune part two", request.Query)
	assert.Equal(t, []domain.MediaType{domain.MediaTypeMovie, domain.MediaTypeTV}, request.Types)
	assert.Equal(t, 5, request.Limit)
	assert.True(t, fake.closed)

	assert.Contains(t, out, "TITLE")
	assert.Contains(t, out, "Dune part two")
	assert.Contains(t, out, "8.4")
	assert.Contains(t, out, "igdb/game failed: status 401")
}

func TestSearchCommandJSON(t *testing.T) {
	out, err := runCLI(t, &fakeCatalog{}, "", "search", "dune", "--json")
	require.NoError(t, err)

	var response domain.SearchResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "dune", response.Query)
	require.Len(t, response.Items, 1)
	assert.Equal(t, "tmdb-movie-438631", response.Items[0].ID)
}

func TestSearchCommandRejectsUnknownType(t *testing.T) {
	fake := &fakeCatalog{}
	_, err := runCLI(t, fake, "", "search", "dune", "--types", "podcast")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "podcast")
	assert.Empty(t, fake.requests)
}

func TestSearchCommandPropagatesFailure(t *testing.T) {
	_, err := runCLI(t, &fakeCatalog{err: errors.New("boom")}, "", "search", "dune")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestFeedCommands(t *testing.T) {
	fake := &fakeCatalog{}
	out, err := runCLI(t, fake, "", "trending", "--type", "book")
	require.NoError(t, err)
	assert.Contains(t, out, "trending book from openlibrary")
	assert.Contains(t, out, "Dune")

	_, err = runCLI(t, fake, "", "popular", "--type", "anime")
	require.NoError(t, err)
	assert.Equal(t, []domain.FeedKind{domain.FeedTrending, domain.FeedPopular}, fake.feeds)

	_, err = runCLI(t, fake, "", "popular", "--type", "vinyl")
	assert.Error(t, err)
}

func TestWatchCommandSearchesSettledQuery(t *testing.T) {
	fake := &fakeCatalog{}
	out, err := runCLI(t, fake, "d\ndu\ndun\ndune\n", "watch", "--debounce", "1h")
	require.NoError(t, err)

	assert.Equal(t, []string{"dune"}, fake.queries())
	assert.Contains(t, out, `"dune": 1 results`)
	assert.Contains(t, out, "Dune")
}

func TestWatchCommandJSONAndErrors(t *testing.T) {
	fake := &fakeCatalog{err: errors.New("upstream down")}
	out, err := runCLI(t, fake, "dune\n", "watch", "--json", "--debounce", "1h")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var state search.SessionState
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &state))
	assert.Equal(t, search.PhaseErrored, state.Phase)
	assert.Equal(t, "search failed", state.Error)
	assert.NotContains(t, out, "upstream down")
}

func TestWatchCommandTrailingBlankLineClears(t *testing.T) {
	fake := &fakeCatalog{}
	out, err := runCLI(t, fake, "dune\n\n", "watch", "--debounce", "1h")
	require.NoError(t, err)
	assert.Empty(t, fake.queries())
	assert.Empty(t, strings.TrimSpace(out))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "Dune", truncate(" Dune ", 10))
	assert.Equal(t, "Dun…", truncate("Dune Messiah", 4))
}
