package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stacked/searchservice/internal/domain"
)

type searchOutcome struct {
	items []domain.SearchResult
	err   error
}

// gatedSearcher resolves each query only when the test releases it, and
// ignores cancellation so stale resolutions really arrive.
type gatedSearcher struct {
	mu    sync.Mutex
	gates map[string]chan searchOutcome
	calls []string
}

func newGatedSearcher() *gatedSearcher {
	return &gatedSearcher{gates: make(map[string]chan searchOutcome)}
}

func (g *gatedSearcher) gate(query string) chan searchOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[query]
	if !ok {
		ch = make(chan searchOutcome, 1)
		g.gates[query] = ch
	}
	return ch
}

func (g *gatedSearcher) release(query string, outcome searchOutcome) {
	g.gate(query) <- outcome
}

func (g *gatedSearcher) Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, request.Query)
	g.mu.Unlock()

	outcome := <-g.gate(request.Query)
	if outcome.err != nil {
		return domain.SearchResponse{}, outcome.err
	}
	return domain.SearchResponse{Query: request.Query, Items: outcome.items}, nil
}

func (g *gatedSearcher) recordedCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type blockingSearcher struct{}

func (blockingSearcher) Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	<-ctx.Done()
	return domain.SearchResponse{}, ctx.Err()
}

func movie(id, title string) domain.SearchResult {
	return result("tmdb", domain.MediaTypeMovie, id, title, nil)
}

func TestSessionLatestWinsOnOutOfOrderResolution(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	searcher := newGatedSearcher()
	session := NewSession(searcher)

	session.Search("alien", nil)
	session.Search("aliens", nil)

	searcher.release("aliens", searchOutcome{items: []domain.SearchResult{movie("679", "Aliens")}})
	require.Eventually(t, func() bool {
		return session.State().Phase == PhaseReady
	}, time.Second, 5*time.Millisecond)

	searcher.release("alien", searchOutcome{items: []domain.SearchResult{movie("348", "Alien")}})
	session.Wait()

	state := session.State()
	require.Len(t, state.Results, 1)
	assert.Equal(t, "Aliens", state.Results[0].Title)
	assert.Equal(t, "aliens", state.Query)
	assert.False(t, state.IsLoading)
	assert.Equal(t, []string{"alien", "aliens"}, searcher.recordedCalls())
}

func TestSessionStaleFailureIsDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	searcher := newGatedSearcher()
	session := NewSession(searcher)

	session.Search("first", nil)
	session.Search("second", nil)
	searcher.release("second", searchOutcome{items: []domain.SearchResult{movie("2", "Second")}})
	searcher.release("first", searchOutcome{err: errors.New("late failure")})
	session.Wait()

	state := session.State()
	assert.Empty(t, state.Error)
	assert.Equal(t, PhaseReady, state.Phase)
	require.Len(t, state.Results, 1)
}

func TestSessionEmptyQueryGoesIdleWithoutCall(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	searcher := newGatedSearcher()
	session := NewSession(searcher)

	session.Search("dune", nil)
	searcher.release("dune", searchOutcome{items: []domain.SearchResult{movie("438631", "Dune")}})
	session.Wait()
	require.Len(t, session.State().Results, 1)

	session.Search("   ", nil)
	session.Wait()

	state := session.State()
	assert.Empty(t, state.Results)
	assert.NotNil(t, state.Results)
	assert.Equal(t, PhaseIdle, state.Phase)
	assert.False(t, state.IsLoading)
	assert.Equal(t, []string{"dune"}, searcher.recordedCalls())
}

func TestSessionClearResultsDiscardsInflight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	searcher := newGatedSearcher()
	session := NewSession(searcher)

	session.Search("dune", nil)
	assert.True(t, session.State().IsLoading)

	session.ClearResults()
	searcher.release("dune", searchOutcome{items: []domain.SearchResult{movie("438631", "Dune")}})
	session.Wait()

	state := session.State()
	assert.Empty(t, state.Results)
	assert.Empty(t, state.Error)
	assert.False(t, state.IsLoading)
	assert.Equal(t, PhaseIdle, state.Phase)
}

func TestSessionAggregateFailureUsesGenericMessage(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	searcher := newGatedSearcher()
	session := NewSession(searcher)

	session.Search("dune", nil)
	searcher.release("dune", searchOutcome{items: []domain.SearchResult{movie("1", "Dune")}})
	session.Wait()

	session.Search("dune messiah", nil)
	searcher.release("dune messiah", searchOutcome{err: errors.New("sql: connection refused at 10.0.0.3")})
	session.Wait()

	state := session.State()
	assert.Equal(t, "search failed", state.Error)
	assert.Equal(t, PhaseErrored, state.Phase)
	assert.Empty(t, state.Results)
	assert.False(t, state.IsLoading)
}

func TestSessionSubscribeSeesLoadingThenReady(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	searcher := newGatedSearcher()
	session := NewSession(searcher)
	updates, unsubscribe := session.Subscribe()
	defer unsubscribe()

	session.Search("dune", []domain.MediaType{domain.MediaTypeMovie})
	loading := <-updates
	assert.True(t, loading.IsLoading)
	assert.Equal(t, PhaseSearching, loading.Phase)
	assert.Equal(t, []domain.MediaType{domain.MediaTypeMovie}, loading.Types)

	searcher.release("dune", searchOutcome{items: []domain.SearchResult{movie("438631", "Dune")}})
	ready := <-updates
	assert.False(t, ready.IsLoading)
	assert.Equal(t, PhaseReady, ready.Phase)
	require.Len(t, ready.Results, 1)
	session.Wait()
}

func TestSessionSlowSubscriberKeepsLatestState(t *testing.T) {
	session := NewSession(newGatedSearcher())
	updates, unsubscribe := session.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer*2; i++ {
		session.ClearResults()
	}

	var last SessionState
	for len(updates) > 0 {
		last = <-updates
	}
	assert.Equal(t, session.State().Generation, last.Generation)
}

func TestSessionCloseCancelsInflight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	session := NewSession(blockingSearcher{})
	updates, _ := session.Subscribe()

	session.Search("dune", nil)
	done := make(chan struct{})
	go func() {
		session.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel the in-flight search")
	}
	for range updates {
	}
	session.Search("ignored", nil)
	assert.Equal(t, "dune", session.State().Query)
}

func TestSessionOverServiceRanksExactTitleFirst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	service, tmdb, _, openlibrary, _ := newCatalogService(WithCacheDisabled(true))
	session := NewSession(service)

	session.Search("dune", []domain.MediaType{domain.MediaTypeMovie, domain.MediaTypeBook})
	session.Wait()

	state := session.State()
	require.Equal(t, PhaseReady, state.Phase)
	require.NotEmpty(t, state.Results)
	assert.Equal(t, "Dune", state.Results[0].Title)
	assert.EqualValues(t, 1, tmdb.hits.Load())
	assert.EqualValues(t, 1, openlibrary.hits.Load())

	var sawMovie, sawBook bool
	for _, item := range state.Results {
		sawMovie = sawMovie || item.ID == "tmdb-movie-438631"
		sawBook = sawBook || item.ID == "openlibrary-book-OL893415W"
	}
	assert.True(t, sawMovie && sawBook, "expected both source-qualified ids")
}
