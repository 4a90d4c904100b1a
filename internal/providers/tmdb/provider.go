package tmdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/providers/common"
)

const (
	providerName     = "tmdb"
	defaultBaseURL   = "https://api.themoviedb.org/3"
	defaultImageBase = "https://image.tmdb.org/t/p/w500"
	defaultLanguage  = "en-US"
	maxLimit         = 20
)

type Config struct {
	APIKey    string
	BaseURL   string
	ImageBase string
	Language  string
	UserAgent string
	Client    *http.Client
}

// Provider searches The Movie Database for movies and TV series.
type Provider struct {
	apiKey    string
	baseURL   string
	imageBase string
	language  string
	userAgent string
	client    *http.Client
}

type listResponse struct {
	Page    int       `json:"page"`
	Results []apiItem `json:"results"`
}

type apiItem struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	VoteAverage  float64 `json:"vote_average"`
	VoteCount    int     `json:"vote_count"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	MediaType    string  `json:"media_type"`
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	imageBase := strings.TrimSpace(cfg.ImageBase)
	if imageBase == "" {
		imageBase = defaultImageBase
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = defaultLanguage
	}
	return &Provider{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		baseURL:   strings.TrimRight(baseURL, "/"),
		imageBase: imageBase,
		language:  language,
		userAgent: cfg.UserAgent,
		client:    client,
	}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:    providerName,
		Label:   "The Movie Database",
		Kind:    "rest",
		Types:   []domain.MediaType{domain.MediaTypeMovie, domain.MediaTypeTV},
		Enabled: p.apiKey != "",
	}
}

func (p *Provider) Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return []domain.SearchResult{}, nil
	}
	limit := common.LimitOrDefault(request.Limit, maxLimit, maxLimit)

	var results []domain.SearchResult
	for _, mediaType := range servedTypes(request.Types) {
		params := url.Values{
			"query":         {query},
			"page":          {strconv.Itoa(common.PageOrDefault(request.Page))},
			"include_adult": {"false"},
		}
		items, err := p.list(ctx, "/search/"+pathSegment(mediaType), params, mediaType, limit)
		if err != nil {
			return nil, err
		}
		results = append(results, items...)
	}
	return results, nil
}

// Popular lists the currently popular movies or series.
func (p *Provider) Popular(ctx context.Context, mediaType domain.MediaType, limit int) ([]domain.SearchResult, error) {
	if mediaType != domain.MediaTypeTV {
		mediaType = domain.MediaTypeMovie
	}
	return p.list(ctx, "/"+pathSegment(mediaType)+"/popular", url.Values{}, mediaType, common.LimitOrDefault(limit, maxLimit, maxLimit))
}

// Trending lists this week's trending movies or series.
func (p *Provider) Trending(ctx context.Context, mediaType domain.MediaType, limit int) ([]domain.SearchResult, error) {
	if mediaType != domain.MediaTypeTV {
		mediaType = domain.MediaTypeMovie
	}
	return p.list(ctx, "/trending/"+pathSegment(mediaType)+"/week", url.Values{}, mediaType, common.LimitOrDefault(limit, maxLimit, maxLimit))
}

func (p *Provider) list(ctx context.Context, path string, params url.Values, mediaType domain.MediaType, limit int) ([]domain.SearchResult, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", providerName, common.ErrNotConfigured)
	}
	params.Set("api_key", p.apiKey)
	params.Set("language", p.language)

	var payload listResponse
	err := common.DoJSON(ctx, p.client, common.Request{
		Provider:  providerName,
		URL:       p.baseURL + path + "?" + params.Encode(),
		UserAgent: p.userAgent,
	}, &payload)
	if err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(payload.Results))
	for _, item := range payload.Results {
		result, ok := p.toResult(item, mediaType)
		if !ok {
			continue
		}
		results = append(results, result)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (p *Provider) toResult(item apiItem, mediaType domain.MediaType) (domain.SearchResult, bool) {
	title := strings.TrimSpace(item.Title)
	date := item.ReleaseDate
	if mediaType == domain.MediaTypeTV {
		title = strings.TrimSpace(item.Name)
		date = item.FirstAirDate
	}
	if title == "" {
		title = strings.TrimSpace(item.Title + item.Name)
	}
	if title == "" || item.ID <= 0 {
		return domain.SearchResult{}, false
	}

	externalID := strconv.FormatInt(item.ID, 10)
	year := common.YearFromDate(date)
	result := domain.SearchResult{
		ID:             domain.ResultID(providerName, mediaType, externalID),
		Title:          title,
		Type:           mediaType,
		Description:    common.CleanDescription(item.Overview),
		Year:           year,
		Rating:         domain.Rescale(item.VoteAverage, domain.Scale10),
		ExternalID:     externalID,
		ExternalSource: providerName,
	}
	if item.PosterPath != "" {
		result.CoverURL = common.ResolveURL(p.imageBase, item.PosterPath)
	}
	if year > 0 {
		result.Subtitle = strconv.Itoa(year)
	}
	return result, true
}

func servedTypes(requested []domain.MediaType) []domain.MediaType {
	var types []domain.MediaType
	for _, mediaType := range requested {
		if mediaType == domain.MediaTypeMovie || mediaType == domain.MediaTypeTV {
			types = append(types, mediaType)
		}
	}
	if len(types) == 0 {
		return []domain.MediaType{domain.MediaTypeMovie, domain.MediaTypeTV}
	}
	return types
}

func pathSegment(mediaType domain.MediaType) string {
	if mediaType == domain.MediaTypeTV {
		return "tv"
	}
	return "movie"
}
