package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/search"
)

type SearchService interface {
	Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
	SearchStream(ctx context.Context, request domain.SearchRequest) (<-chan domain.SearchResponse, error)
	SearchType(ctx context.Context, mediaType domain.MediaType, query string, page, limit int) ([]domain.SearchResult, error)
	Popular(ctx context.Context, mediaType domain.MediaType, limit int) (domain.FeedResponse, error)
	Trending(ctx context.Context, mediaType domain.MediaType, limit int) (domain.FeedResponse, error)
	Providers() []domain.ProviderInfo
	ProviderDiagnostics() []domain.ProviderDiagnostics
}

// RouteSettings changes which provider serves a media type at runtime.
type RouteSettings interface {
	Routes() map[domain.MediaType]string
	SetRoute(ctx context.Context, mediaType domain.MediaType, provider string) error
}

type Server struct {
	search    SearchService
	routes    RouteSettings
	library   LibraryService
	covers    *coverProxy
	logger    *slog.Logger
	rateRPS   float64
	rateBurst int
}

const (
	maxQueryLength  = 500
	maxResultLimit  = 40
	maxFeedLimit    = 50
	providerProbeQ  = "dune"
	probeSampleSize = 3
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit sets the global request budget. rps <= 0 turns limiting off.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithRouteSettings(routes RouteSettings) ServerOption {
	return func(s *Server) {
		s.routes = routes
	}
}

func WithLibrary(library LibraryService) ServerOption {
	return func(s *Server) {
		s.library = library
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:    searchService,
		covers:    newCoverProxy(),
		logger:    slog.Default(),
		rateRPS:   50,
		rateBurst: 100,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search/type", s.handleSearchType)
	mux.HandleFunc("/search/stream", s.handleSearchStream)
	mux.HandleFunc("/search/popular", s.handleFeed(domain.FeedPopular))
	mux.HandleFunc("/search/trending", s.handleFeed(domain.FeedTrending))
	mux.HandleFunc("/search/providers", s.handleProviders)
	mux.HandleFunc("/search/providers/health", s.handleProvidersHealth)
	mux.HandleFunc("/search/providers/test", s.handleProviderTest)
	mux.HandleFunc("/search/settings/routes", s.handleRouteSettings)
	mux.HandleFunc("/search/image", s.handleImageProxy)
	mux.HandleFunc("/library", s.handleLibrary)
	mux.HandleFunc("/library/stats", s.handleLibraryStats)
	mux.HandleFunc("/library/", s.handleLibraryEntry)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "stacked-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	request, ok := parseSearchRequest(w, r)
	if !ok {
		return
	}

	response, err := s.search.Search(r.Context(), request)
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(request.Query, 80)),
			slog.Any("providers", request.Providers),
			slog.String("error", err.Error()),
		)
		s.writeSearchError(w, err)
		return
	}

	failedProviders := make([]string, 0, len(response.Providers))
	for _, providerStatus := range response.Providers {
		if !providerStatus.OK {
			failedProviders = append(failedProviders, providerStatus.Name)
		}
	}
	s.logger.Info("search served",
		slog.String("query", truncate(request.Query, 80)),
		slog.Any("types", request.Types),
		slog.Int("totalItems", response.TotalItems),
		slog.Int64("elapsedMs", response.ElapsedMS),
		slog.Int("failedProviders", len(failedProviders)),
	)
	if len(failedProviders) > 0 {
		s.logger.Warn("search providers partially failed",
			slog.String("query", truncate(request.Query, 80)),
			slog.Any("failedProviders", failedProviders),
		)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSearchType(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/type" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	mediaType, ok := domain.ParseMediaType(r.URL.Query().Get("type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown or missing type")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	page, err := parsePositiveInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid page")
		return
	}
	limit, err := parsePositiveInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	items, err := s.search.SearchType(r.Context(), mediaType, query, page, min(limit, maxResultLimit))
	if err != nil {
		s.logger.Warn("type search failed",
			slog.String("type", string(mediaType)),
			slog.String("query", truncate(query, 80)),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, search.ErrNoProviders):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		case errors.Is(err, search.ErrUnknownType):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query": query,
		"type":  mediaType,
		"page":  page,
		"items": items,
	})
}

func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/stream" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	request, ok := parseSearchRequest(w, r)
	if !ok {
		return
	}
	ch, err := s.search.SearchStream(r.Context(), request)
	if err != nil {
		s.writeSearchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, flusher, "bootstrap", map[string]any{
		"phase":  "bootstrap",
		"final":  false,
		"query":  request.Query,
		"status": "started",
	}); err != nil {
		return // Client disconnected
	}

	for response := range ch {
		select {
		case <-r.Context().Done():
			return // Client disconnected
		default:
		}
		if response.Error != "" {
			_ = writeSSEEvent(w, flusher, "error", map[string]any{
				"final":   true,
				"error":   "internal_error",
				"message": response.Error,
			})
			return
		}
		response.Phase = "update"
		if err := writeSSEEvent(w, flusher, "update", response); err != nil {
			return // Client disconnected
		}
	}

	_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
}

func (s *Server) handleFeed(kind domain.FeedKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.search == nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
			return
		}
		mediaType, ok := domain.ParseMediaType(r.URL.Query().Get("type"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown or missing type")
			return
		}
		limit, err := parsePositiveInt(r, "limit", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = min(limit, maxFeedLimit)

		load := s.search.Popular
		if kind == domain.FeedTrending {
			load = s.search.Trending
		}
		feed, err := load(r.Context(), mediaType, limit)
		if err != nil {
			s.logger.Warn("feed request failed",
				slog.String("kind", string(kind)),
				slog.String("type", string(mediaType)),
				slog.String("error", err.Error()),
			)
			switch {
			case errors.Is(err, search.ErrFeedUnsupported):
				writeError(w, http.StatusNotFound, "not_found", err.Error())
			case errors.Is(err, search.ErrNoProviders):
				writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
			case errors.Is(err, search.ErrUnknownType):
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			default:
				writeError(w, http.StatusBadGateway, "upstream_error", "feed unavailable")
			}
			return
		}
		writeJSON(w, http.StatusOK, feed)
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/providers" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	payload := map[string]any{
		"items": s.search.Providers(),
	}
	if s.routes != nil {
		payload["routes"] = s.routes.Routes()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/providers/health" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.search.ProviderDiagnostics(),
	})
}

func (s *Server) handleProviderTest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/providers/test" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	if provider == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		query = providerProbeQ
	}

	startedAt := time.Now()
	response, err := s.search.Search(r.Context(), domain.SearchRequest{
		Query:     query,
		Providers: []string{provider},
		NoCache:   true,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"provider":  provider,
			"query":     query,
			"ok":        false,
			"elapsedMs": time.Since(startedAt).Milliseconds(),
			"error":     err.Error(),
		})
		return
	}

	ok, count := len(response.Providers) > 0, 0
	var failure string
	for _, status := range response.Providers {
		count += status.Count
		if !status.OK {
			ok = false
			failure = status.Error
		}
	}
	sample := make([]string, 0, probeSampleSize)
	for _, item := range response.Items {
		sample = append(sample, truncate(item.Title, 120))
		if len(sample) >= probeSampleSize {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider":  provider,
		"query":     query,
		"ok":        ok,
		"count":     count,
		"elapsedMs": response.ElapsedMS,
		"error":     failure,
		"sample":    sample,
	})
}

func (s *Server) handleRouteSettings(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/settings/routes" {
		http.NotFound(w, r)
		return
	}
	if s.routes == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "route settings are not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"routes": s.routes.Routes()})
	case http.MethodPatch:
		var payload struct {
			Type     string `json:"type"`
			Provider string `json:"provider"`
		}
		if err := decodeJSONBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		mediaType, ok := domain.ParseMediaType(payload.Type)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown or missing type")
			return
		}
		if strings.TrimSpace(payload.Provider) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "provider is required")
			return
		}
		if err := s.routes.SetRoute(r.Context(), mediaType, payload.Provider); err != nil {
			switch {
			case errors.Is(err, search.ErrUnknownProvider), errors.Is(err, search.ErrProviderMismatch), errors.Is(err, search.ErrUnknownType):
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			default:
				s.logger.Warn("route change not persisted", slog.String("error", err.Error()))
				writeError(w, http.StatusInternalServerError, "internal_error", "route applied but not persisted")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"routes": s.routes.Routes()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrUnknownType), errors.Is(err, search.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, search.ErrNoProviders):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
	}
}

// parseSearchRequest reads q, types, providers, page, limit and nocache.
// It writes the 400 itself and reports false on invalid input.
func parseSearchRequest(w http.ResponseWriter, r *http.Request) (domain.SearchRequest, bool) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return domain.SearchRequest{}, false
	}
	page, err := parsePositiveInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid page")
		return domain.SearchRequest{}, false
	}
	limit, err := parsePositiveInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return domain.SearchRequest{}, false
	}

	var types []domain.MediaType
	for _, raw := range parseCSV(r.URL.Query().Get("types")) {
		mediaType, ok := domain.ParseMediaType(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown type %q", raw))
			return domain.SearchRequest{}, false
		}
		types = append(types, mediaType)
	}

	noCache := parseOptionalBool(r.URL.Query().Get("nocache")) || parseOptionalBool(r.URL.Query().Get("noCache"))
	return domain.SearchRequest{
		Query:     query,
		Types:     types,
		Providers: parseCSV(r.URL.Query().Get("providers")),
		Page:      page,
		Limit:     min(limit, maxResultLimit),
		NoCache:   noCache,
	}, true
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.ToLower(strings.TrimSpace(part))
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func parseNonNegativeInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
