package search

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/metrics"
)

const (
	providerFailureThreshold = 3
	providerBlockBase        = 2 * time.Minute
	providerBlockMax         = 15 * time.Minute
	// Jikan and IGDB answer 429 when their quota is spent; a short pause
	// clears it.
	rateLimitCooldown = 30 * time.Second
)

// statusCoder is implemented by catalog HTTP errors.
type statusCoder interface {
	HTTPStatus() int
}

// retryAfter is implemented by catalog errors that carry a Retry-After hint.
type retryAfter interface {
	RetryAfter() time.Duration
}

type catalogHealth struct {
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	lastQuery           string
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
}

// breaker keeps per-catalog outcome history and decides when a catalog is
// skipped. Three failures in a row block it for 2m, doubling up to 15m.
// Rate limiting and rejected credentials block it at once.
type breaker struct {
	mu      sync.Mutex
	now     func() time.Time
	catalog map[string]*catalogHealth
}

func newBreaker() *breaker {
	return &breaker{now: time.Now, catalog: make(map[string]*catalogHealth)}
}

func breakerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// open reports whether name is currently blocked, until when, and why.
func (b *breaker) open(name string) (bool, time.Time, string) {
	key := breakerKey(name)
	if key == "" {
		return false, time.Time{}, ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.catalog[key]
	if state == nil || state.blockedUntil.IsZero() || !b.now().Before(state.blockedUntil) {
		return false, time.Time{}, ""
	}
	return true, state.blockedUntil, state.lastError
}

func (b *breaker) record(name, query string, err error, latency time.Duration) {
	key := breakerKey(name)
	if key == "" {
		return
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.catalog[key]
	if state == nil {
		state = &catalogHealth{}
		b.catalog[key] = state
	}
	state.totalRequests++
	state.lastQuery = strings.TrimSpace(query)
	if latency > 0 {
		state.lastLatency = latency
		metrics.ProviderRequestDuration.WithLabelValues(key).Observe(latency.Seconds())
	}
	state.lastTimeout = isTimeoutLikeError(err)
	if state.lastTimeout {
		state.timeoutCount++
	}

	if err == nil {
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
		state.lastError = ""
		state.lastSuccessAt = now
		metrics.ProviderRequestsTotal.WithLabelValues(key, "ok").Inc()
		metrics.ProviderAvailable.WithLabelValues(key).Set(1)
		return
	}

	// A superseded search cancels its providers; that says nothing about
	// their health.
	if errors.Is(err, context.Canceled) {
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()

	outcome := "error"
	if state.lastTimeout {
		outcome = "timeout"
	}

	block := failureBlock(err, state.consecutiveFailures)
	switch httpStatus(err) {
	case http.StatusTooManyRequests:
		outcome = "rate_limited"
	case http.StatusUnauthorized, http.StatusForbidden:
		outcome = "unauthorized"
	}
	metrics.ProviderRequestsTotal.WithLabelValues(key, outcome).Inc()

	if block > 0 {
		if until := now.Add(block); until.After(state.blockedUntil) {
			state.blockedUntil = until
		}
		metrics.ProviderAvailable.WithLabelValues(key).Set(0)
	}
}

func (b *breaker) snapshot(name string) (catalogHealth, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.catalog[breakerKey(name)]
	if state == nil {
		return catalogHealth{}, false
	}
	return *state, true
}

// failureBlock returns how long a failure should take the catalog out of
// rotation, or zero to keep it in.
func failureBlock(err error, consecutiveFailures int) time.Duration {
	switch httpStatus(err) {
	case http.StatusTooManyRequests:
		var hinted retryAfter
		if errors.As(err, &hinted) && hinted.RetryAfter() > rateLimitCooldown {
			return min(hinted.RetryAfter(), providerBlockMax)
		}
		return rateLimitCooldown
	case http.StatusUnauthorized, http.StatusForbidden:
		return providerBlockMax
	}
	if consecutiveFailures < providerFailureThreshold {
		return 0
	}
	return exponentialBlockDuration(consecutiveFailures)
}

func httpStatus(err error) int {
	var coded statusCoder
	if errors.As(err, &coded) {
		return coded.HTTPStatus()
	}
	return 0
}

// exponentialBlockDuration is providerBlockBase doubled once per failure
// past the threshold, capped at providerBlockMax.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	d := providerBlockBase
	for i := providerFailureThreshold; i < consecutiveFailures; i++ {
		d *= 2
		if d >= providerBlockMax {
			return providerBlockMax
		}
	}
	return d
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

// ProviderDiagnostics reports breaker and latency state for every catalog.
func (s *Service) ProviderDiagnostics() []domain.ProviderDiagnostics {
	infos := s.Providers()
	items := make([]domain.ProviderDiagnostics, 0, len(infos))
	for _, info := range infos {
		item := domain.ProviderDiagnostics{
			Name:    info.Name,
			Label:   info.Label,
			Kind:    info.Kind,
			Types:   append([]domain.MediaType(nil), info.Types...),
			Enabled: info.Enabled,
		}
		if state, ok := s.breaker.snapshot(info.Name); ok {
			item.ConsecutiveFailures = state.consecutiveFailures
			item.BlockedUntil = optionalTime(state.blockedUntil)
			item.LastError = state.lastError
			item.LastSuccessAt = optionalTime(state.lastSuccessAt)
			item.LastFailureAt = optionalTime(state.lastFailureAt)
			item.LastLatencyMS = state.lastLatency.Milliseconds()
			item.LastTimeout = state.lastTimeout
			item.LastQuery = state.lastQuery
			item.TotalRequests = state.totalRequests
			item.TotalFailures = state.totalFailures
			item.TimeoutCount = state.timeoutCount
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return breakerKey(items[i].Name) < breakerKey(items[j].Name)
	})
	return items
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
