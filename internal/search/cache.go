package search

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/metrics"
)

const (
	defaultCacheTTL        = 30 * time.Minute
	defaultStaleTTL        = 90 * time.Minute
	defaultCacheMaxEntries = 400
)

type cachedSearchResponse struct {
	response    domain.SearchResponse
	updatedAt   time.Time
	expiresAt   time.Time
	staleUntil  time.Time
	refreshOnce sync.Once
}

func (s *Service) cacheLookup(ctx context.Context, key string, now time.Time) (domain.SearchResponse, bool, bool) {
	if s.redisCache != nil {
		resp, found, err := s.redisCache.Get(ctx, key)
		if err != nil {
			s.logger.Debug("redis cache lookup failed", slog.String("error", err.Error()))
		}
		if err == nil && found {
			metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
			s.cacheStoreMemoryOnly(key, resp, now)
			return resp, true, false
		}
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return domain.SearchResponse{}, false, false
	}

	if now.Before(entry.expiresAt) {
		metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
		return cloneSearchResponse(entry.response), true, false
	}

	if now.Before(entry.staleUntil) {
		metrics.CacheHitsTotal.WithLabelValues("stale").Inc()
		needsRefresh := false
		entry.refreshOnce.Do(func() {
			needsRefresh = true
		})
		return cloneSearchResponse(entry.response), true, needsRefresh
	}

	metrics.CacheMissesTotal.Inc()
	delete(s.cache, key)
	return domain.SearchResponse{}, false, false
}

// cacheStore keeps only responses where every provider answered, so a
// transient outage is not served back for the whole TTL.
func (s *Service) cacheStore(ctx context.Context, key string, response domain.SearchResponse, now time.Time) {
	if !cacheable(response) {
		return
	}
	if s.redisCache != nil {
		if err := s.redisCache.Set(ctx, key, response, s.cacheTTL); err != nil {
			s.logger.Debug("redis cache store failed", slog.String("error", err.Error()))
		}
	}
	s.cacheStoreMemoryOnly(key, response, now)
}

func (s *Service) cacheStoreMemoryOnly(key string, response domain.SearchResponse, now time.Time) {
	cacheTTL := s.cacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	staleTTL := s.staleTTL
	if staleTTL <= cacheTTL {
		staleTTL = cacheTTL * 3
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cache[key] = &cachedSearchResponse{
		response:   cloneSearchResponse(response),
		updatedAt:  now,
		expiresAt:  now.Add(cacheTTL),
		staleUntil: now.Add(staleTTL),
	}
	s.trimCacheLocked(now)
}

func (s *Service) refreshCacheAsync(key string, prepared preparedSearch) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout+2*time.Second)
		defer cancel()

		response, err := s.executePreparedSearch(ctx, prepared, nil)
		if err != nil {
			s.logger.Debug("stale cache refresh failed",
				slog.String("query", prepared.query),
				slog.String("error", err.Error()),
			)
			return
		}
		s.cacheStore(ctx, key, response, time.Now())
	}()
}

func (s *Service) trimCacheLocked(now time.Time) {
	maxEntries := s.cacheMax
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}

	for key, entry := range s.cache {
		if now.After(entry.staleUntil) {
			delete(s.cache, key)
		}
	}

	if len(s.cache) <= maxEntries {
		return
	}

	type pair struct {
		key   string
		entry *cachedSearchResponse
	}
	items := make([]pair, 0, len(s.cache))
	for key, entry := range s.cache {
		items = append(items, pair{key: key, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.updatedAt.Before(items[j].entry.updatedAt)
	})
	for i := 0; i < len(items)-maxEntries; i++ {
		delete(s.cache, items[i].key)
	}
}

func cacheable(response domain.SearchResponse) bool {
	for _, status := range response.Providers {
		if !status.OK {
			return false
		}
	}
	return true
}

func cloneSearchResponse(response domain.SearchResponse) domain.SearchResponse {
	cloned := response
	if response.Items != nil {
		cloned.Items = make([]domain.SearchResult, len(response.Items))
		for i, item := range response.Items {
			copied := item
			if item.Rating != nil {
				value := *item.Rating
				copied.Rating = &value
			}
			copied.InLibrary = false
			cloned.Items[i] = copied
		}
	}
	if response.Providers != nil {
		cloned.Providers = append([]domain.ProviderStatus(nil), response.Providers...)
	}
	if response.Types != nil {
		cloned.Types = append([]domain.MediaType(nil), response.Types...)
	}
	return cloned
}

func buildSearchCacheKey(prepared preparedSearch) string {
	tasks := append([]string(nil), prepared.providerNames...)
	sort.Strings(tasks)
	return strings.Join([]string{
		"q=" + strings.ToLower(prepared.query),
		"p=" + strconv.Itoa(prepared.page),
		"l=" + strconv.Itoa(prepared.limit),
		"t=" + strings.Join(tasks, ","),
	}, "|")
}
