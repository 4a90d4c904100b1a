package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"stacked/searchservice/internal/domain"
)

// maxConcurrentProviders limits the number of provider queries that can run simultaneously.
const maxConcurrentProviders = 10

const (
	defaultPerProviderLimit = 8
	defaultTypeSearchLimit  = 20
	maxProviderLimit        = 40
)

type searchTask struct {
	provider  Provider
	name      string
	mediaType domain.MediaType
}

type preparedSearch struct {
	query         string
	types         []domain.MediaType
	page          int
	limit         int
	tasks         []searchTask
	providerNames []string
}

// Search fans the query out to every provider selected by the request's
// types (or explicit provider names), waits for all of them to settle and
// returns the merged, relevance-sorted list. Provider failures only show
// up in the per-provider statuses.
func (s *Service) Search(ctx context.Context, request domain.SearchRequest) (response domain.SearchResponse, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("search aggregation panicked",
				slog.String("query", request.Query),
				slog.Any("error", recovered),
			)
			response = domain.SearchResponse{}
			err = fmt.Errorf("%w: %v", ErrSearchFailed, recovered)
		}
	}()

	if strings.TrimSpace(request.Query) == "" {
		return emptyResponse(request), nil
	}
	prepared, err := s.prepareSearch(request)
	if err != nil {
		return domain.SearchResponse{}, err
	}

	if s.cacheDisabled || request.NoCache {
		response, err = s.executePreparedSearch(ctx, prepared, nil)
		if err != nil {
			return domain.SearchResponse{}, err
		}
		return s.markLibrary(ctx, response), nil
	}

	startedAt := time.Now()
	cacheKey := buildSearchCacheKey(prepared)
	if cached, ok, needsRefresh := s.cacheLookup(ctx, cacheKey, startedAt); ok {
		if needsRefresh {
			s.refreshCacheAsync(cacheKey, prepared)
		}
		cached.ElapsedMS = time.Since(startedAt).Milliseconds()
		return s.markLibrary(ctx, cached), nil
	}

	response, err = s.executePreparedSearch(ctx, prepared, nil)
	if err != nil {
		return domain.SearchResponse{}, err
	}
	s.cacheStore(ctx, cacheKey, response, time.Now())
	return s.markLibrary(ctx, response), nil
}

// SearchStream emits one snapshot per settled provider followed by a final
// snapshot. A failed search ends with a final snapshot carrying Error. The
// channel is closed when the search completes or ctx ends.
func (s *Service) SearchStream(ctx context.Context, request domain.SearchRequest) (<-chan domain.SearchResponse, error) {
	if strings.TrimSpace(request.Query) == "" {
		ch := make(chan domain.SearchResponse, 1)
		empty := emptyResponse(request)
		empty.Final = true
		ch <- empty
		close(ch)
		return ch, nil
	}
	prepared, err := s.prepareSearch(request)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.SearchResponse, len(prepared.tasks)+1)
	go func() {
		defer close(ch)
		final, err := s.executePreparedSearch(ctx, prepared, func(snapshot domain.SearchResponse) {
			ch <- s.markLibrary(ctx, snapshot)
		})
		if err != nil {
			s.logger.Warn("stream search failed",
				slog.String("query", prepared.query),
				slog.String("error", err.Error()),
			)
			failed := emptyResponse(request)
			failed.Final = true
			failed.Error = "search failed"
			select {
			case ch <- failed:
			default:
			}
			return
		}
		if !s.cacheDisabled {
			s.cacheStore(ctx, buildSearchCacheKey(prepared), final, time.Now())
		}
		select {
		case ch <- s.markLibrary(ctx, final):
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// SearchType runs a dedicated single-type search against the routed
// provider. Unlike Search, provider errors are returned to the caller.
func (s *Service) SearchType(ctx context.Context, mediaType domain.MediaType, query string, page, limit int) ([]domain.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.SearchResult{}, nil
	}
	provider, err := s.providerForType(mediaType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, mediaType)
	}
	if limit <= 0 {
		limit = defaultTypeSearchLimit
	}
	if limit > maxProviderLimit {
		limit = maxProviderLimit
	}
	if page < 1 {
		page = 1
	}

	runCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	name := strings.ToLower(strings.TrimSpace(provider.Name()))
	task := searchTask{provider: provider, name: name, mediaType: mediaType}
	startedAt := time.Now()
	var items []domain.SearchResult
	searchErr := RetryWithBackoff(runCtx, s.retry, func() error {
		var err error
		items, err = provider.Search(runCtx, domain.SearchRequest{
			Query: query,
			Types: []domain.MediaType{mediaType},
			Page:  page,
			Limit: limit,
		})
		return err
	})
	s.breaker.record(name, query, searchErr, time.Since(startedAt))
	if searchErr != nil {
		return nil, fmt.Errorf("%s search: %w", name, searchErr)
	}

	items = normalizeBatch(items, task, limit)
	marked := s.markLibrary(ctx, domain.SearchResponse{Items: items})
	return marked.Items, nil
}

func emptyResponse(request domain.SearchRequest) domain.SearchResponse {
	return domain.SearchResponse{
		Query:     strings.TrimSpace(request.Query),
		Types:     request.Types,
		Items:     []domain.SearchResult{},
		Providers: []domain.ProviderStatus{},
		Page:      1,
		Final:     true,
	}
}

func (s *Service) prepareSearch(request domain.SearchRequest) (preparedSearch, error) {
	limit := request.Limit
	if limit <= 0 {
		limit = s.perProviderLimit
	}
	if limit > maxProviderLimit {
		limit = maxProviderLimit
	}
	page := request.Page
	if page < 1 {
		page = 1
	}

	types, err := normalizeTypes(request.Types)
	if err != nil {
		return preparedSearch{}, err
	}
	tasks, err := s.resolveTasks(types, request.Providers)
	if err != nil {
		return preparedSearch{}, err
	}

	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, task.name+":"+string(task.mediaType))
	}

	return preparedSearch{
		query:         strings.TrimSpace(request.Query),
		types:         types,
		page:          page,
		limit:         limit,
		tasks:         tasks,
		providerNames: names,
	}, nil
}

func normalizeTypes(raw []domain.MediaType) ([]domain.MediaType, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[domain.MediaType]struct{}, len(raw))
	types := make([]domain.MediaType, 0, len(raw))
	for _, value := range raw {
		mediaType, ok := domain.ParseMediaType(string(value))
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, value)
		}
		if _, exists := seen[mediaType]; exists {
			continue
		}
		seen[mediaType] = struct{}{}
		types = append(types, mediaType)
	}
	return types, nil
}

// resolveTasks expands the request into (provider, media type) pairs, one
// provider call each.
func (s *Service) resolveTasks(types []domain.MediaType, providerNames []string) ([]searchTask, error) {
	if len(s.providers) == 0 {
		return nil, ErrNoProviders
	}

	if len(providerNames) > 0 {
		var tasks []searchTask
		seen := make(map[string]struct{}, len(providerNames))
		for _, rawName := range providerNames {
			name := strings.ToLower(strings.TrimSpace(rawName))
			if name == "" {
				continue
			}
			provider, ok := s.providers[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
			}
			if _, exists := seen[name]; exists {
				continue
			}
			seen[name] = struct{}{}

			candidates := types
			if len(candidates) == 0 {
				candidates = provider.Info().Types
			}
			for _, mediaType := range candidates {
				if providerServes(provider, mediaType) {
					tasks = append(tasks, searchTask{provider: provider, name: name, mediaType: mediaType})
				}
			}
		}
		if len(tasks) == 0 {
			return nil, ErrNoProviders
		}
		return tasks, nil
	}

	explicit := len(types) > 0
	if !explicit {
		types = domain.AllMediaTypes
	}
	tasks := make([]searchTask, 0, len(types))
	for _, mediaType := range types {
		provider, err := s.providerForType(mediaType)
		if err != nil {
			if explicit {
				return nil, fmt.Errorf("%w: %s", err, mediaType)
			}
			continue
		}
		// Unconfigured catalogs only run when a type asks for them.
		if !explicit && !provider.Info().Enabled {
			continue
		}
		tasks = append(tasks, searchTask{
			provider:  provider,
			name:      strings.ToLower(strings.TrimSpace(provider.Name())),
			mediaType: mediaType,
		})
	}
	if len(tasks) == 0 {
		return nil, ErrNoProviders
	}
	return tasks, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// executePreparedSearch is a settle-all join: every task runs to completion
// (success or failure) before the merged response is built. onSettle, when
// set, receives a merged snapshot each time a task settles.
func (s *Service) executePreparedSearch(ctx context.Context, prepared preparedSearch, onSettle func(domain.SearchResponse)) (domain.SearchResponse, error) {
	if err := ctx.Err(); err != nil {
		return domain.SearchResponse{}, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}

	runCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	startedAt := time.Now()
	statuses := make([]domain.ProviderStatus, len(prepared.tasks))
	batches := make([][]domain.SearchResult, len(prepared.tasks))

	var mu sync.Mutex
	sem := semaphore.NewWeighted(maxConcurrentProviders)
	var wg sync.WaitGroup
	for i, task := range prepared.tasks {
		wg.Add(1)
		go func(index int, current searchTask) {
			defer wg.Done()

			items, err := s.runTask(runCtx, sem, prepared, current)
			status := domain.ProviderStatus{
				Name:  current.name,
				Type:  current.mediaType,
				OK:    err == nil,
				Count: len(items),
			}
			if err != nil {
				status.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			statuses[index] = status
			batches[index] = items
			if onSettle != nil {
				snapshot := buildSnapshot(prepared, batches, statuses, startedAt)
				snapshot.Provider = current.name
				onSettle(snapshot)
			}
		}(i, task)
	}
	wg.Wait()

	response := buildSnapshot(prepared, batches, statuses, startedAt)
	response.Final = true

	failed := 0
	for _, status := range statuses {
		if !status.OK {
			failed++
		}
	}
	s.logger.Info("search completed",
		slog.String("query", prepared.query),
		slog.Any("providers", prepared.providerNames),
		slog.Int("totalResults", response.TotalItems),
		slog.Int("failed", failed),
		slog.Int64("elapsedMs", response.ElapsedMS),
	)
	return response, nil
}

func (s *Service) runTask(ctx context.Context, sem *semaphore.Weighted, prepared preparedSearch, task searchTask) (items []domain.SearchResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("search provider panicked",
				slog.String("provider", task.name),
				slog.Any("error", recovered),
			)
			items = nil
			err = fmt.Errorf("%w: %v", errProviderPanicked, recovered)
		}
	}()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("provider slot wait: %w", err)
	}
	defer sem.Release(1)

	if blocked, until, lastErr := s.breaker.open(task.name); blocked {
		return nil, fmt.Errorf("provider temporarily unhealthy until %s: %s", until.UTC().Format(time.RFC3339), lastErr)
	}

	ctx, span := s.tracer.Start(ctx, "search.provider", trace.WithAttributes(
		attribute.String("provider", task.name),
		attribute.String("media.type", string(task.mediaType)),
	))
	defer span.End()

	request := domain.SearchRequest{
		Query: prepared.query,
		Types: []domain.MediaType{task.mediaType},
		Page:  prepared.page,
		Limit: prepared.limit,
	}
	startedAt := time.Now()
	searchErr := RetryWithBackoff(ctx, s.retry, func() error {
		var err error
		items, err = task.provider.Search(ctx, request)
		return err
	})
	elapsed := time.Since(startedAt)
	s.breaker.record(task.name, prepared.query, searchErr, elapsed)

	if searchErr != nil {
		span.RecordError(searchErr)
		span.SetStatus(codes.Error, "provider failed")
		s.logger.Warn("search provider failed",
			slog.String("provider", task.name),
			slog.String("type", string(task.mediaType)),
			slog.String("query", prepared.query),
			slog.Int64("elapsedMs", elapsed.Milliseconds()),
			slog.String("error", searchErr.Error()),
		)
		return nil, searchErr
	}

	items = normalizeBatch(items, task, prepared.limit)
	span.SetAttributes(attribute.Int("results", len(items)))
	s.logger.Debug("search provider completed",
		slog.String("provider", task.name),
		slog.String("type", string(task.mediaType)),
		slog.Int("results", len(items)),
		slog.Int64("elapsedMs", elapsed.Milliseconds()),
	)
	return items, nil
}

// normalizeBatch enforces the result invariants the merge relies on: a
// title, a source-qualified id and at most limit entries.
func normalizeBatch(items []domain.SearchResult, task searchTask, limit int) []domain.SearchResult {
	out := make([]domain.SearchResult, 0, len(items))
	for _, item := range items {
		item.Title = strings.TrimSpace(item.Title)
		if item.Title == "" {
			continue
		}
		if item.Type == "" {
			item.Type = task.mediaType
		}
		if item.ExternalSource == "" {
			item.ExternalSource = task.name
		}
		if item.ID == "" {
			if item.ExternalID == "" {
				continue
			}
			item.ID = domain.ResultID(item.ExternalSource, item.Type, item.ExternalID)
		}
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func buildSnapshot(prepared preparedSearch, batches [][]domain.SearchResult, statuses []domain.ProviderStatus, startedAt time.Time) domain.SearchResponse {
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	items := make([]domain.SearchResult, 0, total)
	seen := make(map[string]struct{}, total)
	for _, batch := range batches {
		for _, item := range batch {
			if _, exists := seen[item.ID]; exists {
				continue
			}
			seen[item.ID] = struct{}{}
			items = append(items, item)
		}
	}
	SortResults(items, prepared.query)

	settled := make([]domain.ProviderStatus, 0, len(statuses))
	for _, status := range statuses {
		if status.Name != "" {
			settled = append(settled, status)
		}
	}

	return domain.SearchResponse{
		Query:      prepared.query,
		Types:      prepared.types,
		Items:      items,
		Providers:  settled,
		ElapsedMS:  time.Since(startedAt).Milliseconds(),
		TotalItems: len(items),
		Page:       prepared.page,
		Limit:      prepared.limit,
	}
}

func (s *Service) markLibrary(ctx context.Context, response domain.SearchResponse) domain.SearchResponse {
	if s.library == nil || len(response.Items) == 0 {
		return response
	}
	present, err := s.library.ContainsResults(ctx, response.Items)
	if err != nil {
		s.logger.Warn("library lookup failed", slog.String("error", err.Error()))
		return response
	}
	items := make([]domain.SearchResult, len(response.Items))
	for i, item := range response.Items {
		item.InLibrary = present[item.ID]
		items[i] = item
	}
	response.Items = items
	return response
}
