package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/metrics"
)

const (
	defaultFeedTTL   = 30 * time.Minute
	defaultFeedLimit = 20
)

type cachedFeed struct {
	feed      domain.FeedResponse
	expiresAt time.Time
}

func (s *Service) Popular(ctx context.Context, mediaType domain.MediaType, limit int) (domain.FeedResponse, error) {
	return s.Feed(ctx, domain.FeedPopular, mediaType, limit)
}

func (s *Service) Trending(ctx context.Context, mediaType domain.MediaType, limit int) (domain.FeedResponse, error) {
	return s.Feed(ctx, domain.FeedTrending, mediaType, limit)
}

// Feed returns a browse feed for mediaType from its routed provider.
// Concurrent misses for the same feed share one upstream call.
func (s *Service) Feed(ctx context.Context, kind domain.FeedKind, mediaType domain.MediaType, limit int) (domain.FeedResponse, error) {
	feed, err := s.loadFeed(ctx, kind, mediaType, limit, false)
	if err != nil {
		return domain.FeedResponse{}, err
	}
	marked := s.markLibrary(ctx, domain.SearchResponse{Items: feed.Items})
	feed.Items = marked.Items
	return feed, nil
}

func (s *Service) loadFeed(ctx context.Context, kind domain.FeedKind, mediaType domain.MediaType, limit int, force bool) (domain.FeedResponse, error) {
	if kind != domain.FeedPopular && kind != domain.FeedTrending {
		return domain.FeedResponse{}, fmt.Errorf("%w: %s", ErrFeedUnsupported, kind)
	}
	provider, err := s.providerForType(mediaType)
	if err != nil {
		return domain.FeedResponse{}, fmt.Errorf("%w: %s", err, mediaType)
	}
	feeder, ok := provider.(FeedProvider)
	if !ok {
		return domain.FeedResponse{}, fmt.Errorf("%w: %s %s", ErrFeedUnsupported, provider.Name(), kind)
	}
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	if limit > maxProviderLimit {
		limit = maxProviderLimit
	}

	name := strings.ToLower(strings.TrimSpace(provider.Name()))
	key := strings.Join([]string{string(kind), string(mediaType), name, strconv.Itoa(limit)}, ":")

	if !force && !s.cacheDisabled {
		if feed, ok := s.feedLookup(ctx, key, time.Now()); ok {
			return feed, nil
		}
	}

	value, err, _ := s.feedGroup.Do(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		task := searchTask{provider: provider, name: name, mediaType: mediaType}
		startedAt := time.Now()
		var items []domain.SearchResult
		fetchErr := RetryWithBackoff(fetchCtx, s.retry, func() error {
			var err error
			switch kind {
			case domain.FeedTrending:
				items, err = feeder.Trending(fetchCtx, mediaType, limit)
			default:
				items, err = feeder.Popular(fetchCtx, mediaType, limit)
			}
			return err
		})
		s.breaker.record(name, "feed:"+string(kind), fetchErr, time.Since(startedAt))
		if fetchErr != nil {
			metrics.FeedRefreshTotal.WithLabelValues(string(kind), "error").Inc()
			return nil, fmt.Errorf("%s %s feed: %w", name, kind, fetchErr)
		}
		metrics.FeedRefreshTotal.WithLabelValues(string(kind), "ok").Inc()

		feed := domain.FeedResponse{
			Type:      mediaType,
			Kind:      kind,
			Provider:  name,
			Items:     normalizeBatch(items, task, limit),
			FetchedAt: time.Now().UTC(),
		}
		s.feedStore(fetchCtx, key, feed)
		return feed, nil
	})
	if err != nil {
		return domain.FeedResponse{}, err
	}
	return cloneFeed(value.(domain.FeedResponse)), nil
}

func (s *Service) feedLookup(ctx context.Context, key string, now time.Time) (domain.FeedResponse, bool) {
	s.feedMu.Lock()
	entry, ok := s.feeds[key]
	s.feedMu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		metrics.CacheHitsTotal.WithLabelValues("feed").Inc()
		return cloneFeed(entry.feed), true
	}

	if s.redisCache != nil {
		feed, found, err := s.redisCache.GetFeed(ctx, key)
		if err == nil && found {
			metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
			s.feedMu.Lock()
			s.feeds[key] = cachedFeed{feed: cloneFeed(feed), expiresAt: now.Add(s.feedTTL)}
			s.feedMu.Unlock()
			return feed, true
		}
	}
	metrics.CacheMissesTotal.Inc()
	return domain.FeedResponse{}, false
}

func (s *Service) feedStore(ctx context.Context, key string, feed domain.FeedResponse) {
	if s.redisCache != nil {
		if err := s.redisCache.SetFeed(ctx, key, feed, s.feedTTL); err != nil {
			s.logger.Debug("redis feed store failed", slog.String("error", err.Error()))
		}
	}
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	s.feeds[key] = cachedFeed{feed: cloneFeed(feed), expiresAt: time.Now().Add(s.feedTTL)}
}

// runFeedWarmer refreshes every routed feed on start and then a little
// before each TTL runs out.
func (s *Service) runFeedWarmer(ctx context.Context) {
	interval := s.feedTTL * 2 / 3
	if interval <= 0 {
		interval = defaultFeedTTL * 2 / 3
	}
	s.warmFeeds(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.warmFeeds(ctx)
		}
	}
}

func (s *Service) warmFeeds(ctx context.Context) {
	for _, mediaType := range domain.AllMediaTypes {
		provider, err := s.providerForType(mediaType)
		if err != nil {
			continue
		}
		if _, ok := provider.(FeedProvider); !ok || !provider.Info().Enabled {
			continue
		}
		for _, kind := range []domain.FeedKind{domain.FeedPopular, domain.FeedTrending} {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.loadFeed(ctx, kind, mediaType, defaultFeedLimit, true); err != nil {
				s.logger.Warn("feed warm failed",
					slog.String("kind", string(kind)),
					slog.String("type", string(mediaType)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func cloneFeed(feed domain.FeedResponse) domain.FeedResponse {
	cloned := feed
	cloned.Items = cloneSearchResponse(domain.SearchResponse{Items: feed.Items}).Items
	if cloned.Items == nil {
		cloned.Items = []domain.SearchResult{}
	}
	return cloned
}
