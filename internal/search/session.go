package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/metrics"
)

// Searcher is the aggregate search a Session drives. *Service implements it.
type Searcher interface {
	Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
}

type SessionPhase string

const (
	PhaseIdle      SessionPhase = "idle"
	PhaseSearching SessionPhase = "searching"
	PhaseReady     SessionPhase = "ready"
	PhaseErrored   SessionPhase = "errored"
)

// sessionErrorMessage is the only error text observers ever see.
const sessionErrorMessage = "search failed"

const subscriberBuffer = 16

type SessionState struct {
	Query      string                `json:"query"`
	Types      []domain.MediaType    `json:"types,omitempty"`
	Results    []domain.SearchResult `json:"results"`
	IsLoading  bool                  `json:"isLoading"`
	Error      string                `json:"error,omitempty"`
	Phase      SessionPhase          `json:"phase"`
	Generation uint64                `json:"generation"`
}

// Session holds the observable state of one interactive search box.
// Searches may overlap; only the most recently issued one is allowed to
// commit its outcome.
type Session struct {
	searcher Searcher
	logger   *slog.Logger
	limit    int

	mu          sync.Mutex
	generation  uint64
	cancel      context.CancelFunc
	state       SessionState
	subscribers map[int]chan SessionState
	nextSubID   int
	closed      bool

	inflight sync.WaitGroup
}

type SessionOption func(*Session)

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionLimit sets the per-provider limit sent with every search.
func WithSessionLimit(limit int) SessionOption {
	return func(s *Session) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

func NewSession(searcher Searcher, opts ...SessionOption) *Session {
	s := &Session{
		searcher:    searcher,
		logger:      slog.Default(),
		state:       SessionState{Results: []domain.SearchResult{}, Phase: PhaseIdle},
		subscribers: make(map[int]chan SessionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search issues a new search and returns immediately. Any search still in
// flight is cancelled and its outcome discarded. An empty query clears the
// results without calling the searcher.
func (s *Session) Search(query string, types []domain.MediaType) {
	trimmed := strings.TrimSpace(query)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.generation++
	generation := s.generation
	s.cancelLocked()

	if trimmed == "" {
		s.state = SessionState{
			Results:    []domain.SearchResult{},
			Phase:      PhaseIdle,
			Generation: generation,
		}
		s.publishLocked()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state.Query = trimmed
	s.state.Types = append([]domain.MediaType(nil), types...)
	s.state.IsLoading = true
	s.state.Phase = PhaseSearching
	s.state.Generation = generation
	s.publishLocked()

	request := domain.SearchRequest{
		Query: trimmed,
		Types: append([]domain.MediaType(nil), types...),
		Limit: s.limit,
	}
	s.inflight.Add(1)
	go s.run(ctx, cancel, generation, request)
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, generation uint64, request domain.SearchRequest) {
	defer s.inflight.Done()
	defer cancel()

	response, err := s.searcher.Search(ctx, request)

	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		metrics.SessionStaleDiscardsTotal.Inc()
		s.logger.Debug("discarding stale search result",
			slog.String("query", request.Query),
			slog.Uint64("generation", generation),
			slog.Uint64("current", s.generation),
		)
		return
	}
	s.cancel = nil
	s.state.IsLoading = false

	if err != nil {
		s.logger.Warn("session search failed",
			slog.String("query", request.Query),
			slog.String("error", err.Error()),
		)
		s.state.Results = []domain.SearchResult{}
		s.state.Error = sessionErrorMessage
		s.state.Phase = PhaseErrored
		s.publishLocked()
		return
	}

	items := response.Items
	if items == nil {
		items = []domain.SearchResult{}
	}
	s.state.Results = items
	s.state.Error = ""
	s.state.Phase = PhaseReady
	s.publishLocked()
}

// ClearResults empties the results and error. A search still in flight is
// cancelled and can no longer repopulate them.
func (s *Session) ClearResults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.generation++
	s.cancelLocked()
	s.state = SessionState{
		Query:      s.state.Query,
		Types:      s.state.Types,
		Results:    []domain.SearchResult{},
		Phase:      PhaseIdle,
		Generation: s.generation,
	}
	s.publishLocked()
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe delivers every published state. A slow subscriber loses the
// oldest pending states, never the latest one.
func (s *Session) Subscribe() (<-chan SessionState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan SessionState, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if existing, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(existing)
			}
		})
	}
}

// Wait blocks until every issued search has settled.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Close cancels any in-flight search, closes subscriber channels and waits
// for background work to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	s.cancelLocked()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()

	s.inflight.Wait()
}

func (s *Session) cancelLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) snapshotLocked() SessionState {
	snapshot := s.state
	snapshot.Results = append([]domain.SearchResult{}, s.state.Results...)
	snapshot.Types = append([]domain.MediaType(nil), s.state.Types...)
	return snapshot
}

func (s *Session) publishLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	snapshot := s.snapshotLocked()
	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
