package jikan

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/providers/common"
)

const (
	providerName       = "jikan"
	defaultEndpoint    = "https://api.jikan.moe/v4"
	DefaultMinInterval = 350 * time.Millisecond
	maxLimit           = 25
)

type Config struct {
	Endpoint string
	// MinInterval spaces consecutive upstream calls. Jikan rejects bursts
	// above roughly three requests per second.
	MinInterval time.Duration
	UserAgent   string
	Client      *http.Client
}

// Provider reads MyAnimeList data through the unofficial Jikan API.
type Provider struct {
	client    *http.Client
	endpoint  string
	userAgent string
	limiter   *rate.Limiter
}

type listResponse struct {
	Data []anime `json:"data"`
}

type anime struct {
	MalID        int64  `json:"mal_id"`
	Title        string `json:"title"`
	TitleEnglish string `json:"title_english"`
	Images       struct {
		JPG struct {
			ImageURL      string `json:"image_url"`
			LargeImageURL string `json:"large_image_url"`
		} `json:"jpg"`
	} `json:"images"`
	Synopsis string  `json:"synopsis"`
	Score    float64 `json:"score"`
	Year     int     `json:"year"`
	Type     string  `json:"type"`
	Aired    struct {
		From string `json:"from"`
	} `json:"aired"`
	Studios []struct {
		Name string `json:"name"`
	} `json:"studios"`
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &Provider{
		client:    client,
		endpoint:  strings.TrimRight(endpoint, "/"),
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:    providerName,
		Label:   "Jikan (MyAnimeList)",
		Kind:    "rest",
		Types:   []domain.MediaType{domain.MediaTypeAnime},
		Enabled: true,
	}
}

func (p *Provider) Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return []domain.SearchResult{}, nil
	}
	params := url.Values{
		"q":     {query},
		"limit": {strconv.Itoa(common.LimitOrDefault(request.Limit, 20, maxLimit))},
		"page":  {strconv.Itoa(common.PageOrDefault(request.Page))},
		"sfw":   {"true"},
	}
	return p.list(ctx, "/anime", params)
}

func (p *Provider) Popular(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	params := url.Values{
		"limit":  {strconv.Itoa(common.LimitOrDefault(limit, 20, maxLimit))},
		"filter": {"bypopularity"},
	}
	return p.list(ctx, "/top/anime", params)
}

// Trending lists the currently airing season.
func (p *Provider) Trending(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	params := url.Values{
		"limit": {strconv.Itoa(common.LimitOrDefault(limit, 20, maxLimit))},
		"sfw":   {"true"},
	}
	return p.list(ctx, "/seasons/now", params)
}

func (p *Provider) list(ctx context.Context, path string, params url.Values) ([]domain.SearchResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit: %w", providerName, err)
	}

	var payload listResponse
	err := common.DoJSON(ctx, p.client, common.Request{
		Provider:  providerName,
		URL:       p.endpoint + path + "?" + params.Encode(),
		UserAgent: p.userAgent,
	}, &payload)
	if err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(payload.Data))
	for _, item := range payload.Data {
		if result, ok := toResult(item); ok {
			results = append(results, result)
		}
	}
	return results, nil
}

func toResult(item anime) (domain.SearchResult, bool) {
	title := strings.TrimSpace(item.TitleEnglish)
	if title == "" {
		title = strings.TrimSpace(item.Title)
	}
	if title == "" || item.MalID <= 0 {
		return domain.SearchResult{}, false
	}
	externalID := strconv.FormatInt(item.MalID, 10)

	year := item.Year
	if year == 0 {
		year = common.YearFromDate(item.Aired.From)
	}
	subtitle := strings.TrimSpace(item.Type)
	if len(item.Studios) > 0 && strings.TrimSpace(item.Studios[0].Name) != "" {
		subtitle = strings.TrimSpace(item.Studios[0].Name)
	}
	cover := item.Images.JPG.LargeImageURL
	if strings.TrimSpace(cover) == "" {
		cover = item.Images.JPG.ImageURL
	}

	return domain.SearchResult{
		ID:             domain.ResultID(providerName, domain.MediaTypeAnime, externalID),
		Title:          title,
		Subtitle:       subtitle,
		Type:           domain.MediaTypeAnime,
		CoverURL:       common.ResolveURL("", cover),
		Description:    common.CleanDescription(item.Synopsis),
		Year:           year,
		Rating:         domain.Rescale(item.Score, domain.Scale10),
		ExternalID:     externalID,
		ExternalSource: providerName,
	}, true
}
