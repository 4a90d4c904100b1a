package domain

import (
	"strings"
	"time"
)

type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
	MediaTypeAnime MediaType = "anime"
	MediaTypeBook  MediaType = "book"
	MediaTypeGame  MediaType = "game"
)

// AllMediaTypes is the default fan-out order when a request names no types.
var AllMediaTypes = []MediaType{
	MediaTypeMovie,
	MediaTypeTV,
	MediaTypeAnime,
	MediaTypeBook,
	MediaTypeGame,
}

func ParseMediaType(raw string) (MediaType, bool) {
	switch MediaType(strings.ToLower(strings.TrimSpace(raw))) {
	case MediaTypeMovie:
		return MediaTypeMovie, true
	case MediaTypeTV, "show", "series":
		return MediaTypeTV, true
	case MediaTypeAnime:
		return MediaTypeAnime, true
	case MediaTypeBook:
		return MediaTypeBook, true
	case MediaTypeGame:
		return MediaTypeGame, true
	default:
		return "", false
	}
}

func (t MediaType) Valid() bool {
	for _, known := range AllMediaTypes {
		if t == known {
			return true
		}
	}
	return false
}

type SearchRequest struct {
	Query     string
	Types     []MediaType
	Providers []string
	Page      int
	Limit     int
	NoCache   bool
}

// SearchResult is the provider-agnostic shape every catalog hit is mapped into.
type SearchResult struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Subtitle       string    `json:"subtitle,omitempty"`
	Type           MediaType `json:"type"`
	CoverURL       string    `json:"coverUrl,omitempty"`
	Description    string    `json:"description,omitempty"`
	Year           int       `json:"year,omitempty"`
	Rating         *float64  `json:"rating,omitempty"`
	ExternalID     string    `json:"externalId"`
	ExternalSource string    `json:"externalSource"`
	InLibrary      bool      `json:"inLibrary,omitempty"`
}

// RatingValue reports the normalized rating, treating a missing one as zero.
func (r SearchResult) RatingValue() float64 {
	if r.Rating == nil {
		return 0
	}
	return *r.Rating
}

// ResultID builds the source-qualified identifier "{source}-{type}-{externalId}".
func ResultID(source string, mediaType MediaType, externalID string) string {
	return strings.ToLower(strings.TrimSpace(source)) + "-" + string(mediaType) + "-" + strings.TrimSpace(externalID)
}

type ProviderInfo struct {
	Name    string      `json:"name"`
	Label   string      `json:"label"`
	Kind    string      `json:"kind"`
	Types   []MediaType `json:"types"`
	Enabled bool        `json:"enabled"`
}

type ProviderStatus struct {
	Name  string    `json:"name"`
	Type  MediaType `json:"type,omitempty"`
	OK    bool      `json:"ok"`
	Count int       `json:"count"`
	Error string    `json:"error,omitempty"`
}

type ProviderDiagnostics struct {
	Name                string      `json:"name"`
	Label               string      `json:"label"`
	Kind                string      `json:"kind"`
	Types               []MediaType `json:"types,omitempty"`
	Enabled             bool        `json:"enabled"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	BlockedUntil        *time.Time  `json:"blockedUntil,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time  `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time  `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64       `json:"lastLatencyMs,omitempty"`
	LastTimeout         bool        `json:"lastTimeout,omitempty"`
	LastQuery           string      `json:"lastQuery,omitempty"`
	TotalRequests       int64       `json:"totalRequests,omitempty"`
	TotalFailures       int64       `json:"totalFailures,omitempty"`
	TimeoutCount        int64       `json:"timeoutCount,omitempty"`
}

type SearchResponse struct {
	Query      string           `json:"query"`
	Types      []MediaType      `json:"types,omitempty"`
	Items      []SearchResult   `json:"items"`
	Providers  []ProviderStatus `json:"providers"`
	ElapsedMS  int64            `json:"elapsedMs"`
	TotalItems int              `json:"totalItems"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	Provider   string           `json:"provider,omitempty"`
	Phase      string           `json:"phase,omitempty"`
	Final      bool             `json:"final"`
	// Error is set on the last stream snapshot when the search as a whole failed.
	Error string `json:"error,omitempty"`
}

// FeedKind selects one of the browse feeds a provider can expose.
type FeedKind string

const (
	FeedPopular  FeedKind = "popular"
	FeedTrending FeedKind = "trending"
)

type FeedResponse struct {
	Type      MediaType      `json:"type"`
	Kind      FeedKind       `json:"kind"`
	Provider  string         `json:"provider"`
	Items     []SearchResult `json:"items"`
	FetchedAt time.Time      `json:"fetchedAt"`
}
