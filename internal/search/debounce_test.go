package search

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stacked/searchservice/internal/domain"
)

type recorder struct {
	mu      sync.Mutex
	queries []string
	clears  atomic.Int32
}

func (r *recorder) fire(query string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
}

func (r *recorder) clear() {
	r.clears.Add(1)
}

func (r *recorder) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

func TestDebouncerCollapsesBurstToLatest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	debouncer := NewDebouncer(40*time.Millisecond, rec.fire, rec.clear)
	defer debouncer.Stop()

	for _, query := range []string{"a", "at", "ata"} {
		debouncer.Trigger(query)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.fired()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{"ata"}, rec.fired())
	assert.False(t, debouncer.Pending())
}

func TestDebouncerSeparatedTriggersFireEach(t *testing.T) {
	rec := &recorder{}
	debouncer := NewDebouncer(10*time.Millisecond, rec.fire, nil)
	defer debouncer.Stop()

	debouncer.Trigger("dune")
	require.Eventually(t, func() bool { return len(rec.fired()) == 1 }, time.Second, 2*time.Millisecond)
	debouncer.Trigger("dune messiah")
	require.Eventually(t, func() bool { return len(rec.fired()) == 2 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, []string{"dune", "dune messiah"}, rec.fired())
}

func TestDebouncerEmptyQueryClearsImmediately(t *testing.T) {
	rec := &recorder{}
	debouncer := NewDebouncer(30*time.Millisecond, rec.fire, rec.clear)
	defer debouncer.Stop()

	debouncer.Trigger("dune")
	debouncer.Trigger("  ")
	assert.EqualValues(t, 1, rec.clears.Load())
	assert.False(t, debouncer.Pending())

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.fired())
}

func TestDebouncerCancelAndStop(t *testing.T) {
	rec := &recorder{}
	debouncer := NewDebouncer(20*time.Millisecond, rec.fire, rec.clear)

	debouncer.Trigger("dune")
	debouncer.Cancel()
	debouncer.Trigger("alien")
	debouncer.Stop()
	debouncer.Trigger("aliens")
	debouncer.Trigger("")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.fired())
	assert.Zero(t, rec.clears.Load())
}

func TestDebouncerFlushRunsPendingCall(t *testing.T) {
	rec := &recorder{}
	debouncer := NewDebouncer(time.Hour, rec.fire, nil)
	defer debouncer.Stop()

	assert.False(t, debouncer.Flush(), "nothing pending")

	debouncer.Trigger("dun")
	debouncer.Trigger("dune")
	assert.True(t, debouncer.Flush())
	assert.Equal(t, []string{"dune"}, rec.fired())
	assert.False(t, debouncer.Pending())
	assert.False(t, debouncer.Flush(), "a flushed call does not run twice")
}

func TestDebouncerDefaultDelay(t *testing.T) {
	debouncer := NewDebouncer(0, func(string) {}, nil)
	assert.Equal(t, 300*time.Millisecond, debouncer.delay)
}

func TestDebounceSessionIssuesSingleSearch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	service, tmdb, _, _, _ := newCatalogService(WithCacheDisabled(true))
	session := NewSession(service)
	defer session.Close()
	debouncer := DebounceSession(session, 30*time.Millisecond, []domain.MediaType{domain.MediaTypeMovie})
	defer debouncer.Stop()

	for _, query := range []string{"d", "du", "dun", "dune"} {
		debouncer.Trigger(query)
	}
	require.Eventually(t, func() bool {
		return session.State().Phase == PhaseReady
	}, 2*time.Second, 5*time.Millisecond)
	session.Wait()

	assert.EqualValues(t, 1, tmdb.hits.Load())
	requests := tmdb.recordedRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "dune", requests[0].Query)

	debouncer.Trigger("")
	state := session.State()
	assert.Empty(t, state.Results)
	assert.Equal(t, PhaseIdle, state.Phase)
}
