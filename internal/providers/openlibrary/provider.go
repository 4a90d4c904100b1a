package openlibrary

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/providers/common"
)

const (
	providerName     = "openlibrary"
	defaultEndpoint  = "https://openlibrary.org"
	defaultCoverBase = "https://covers.openlibrary.org/b/id/"
	maxLimit         = 100
	searchFields     = "key,title,subtitle,author_name,first_publish_year,cover_i,ratings_average,first_sentence"
)

type Config struct {
	Endpoint  string
	CoverBase string
	UserAgent string
	Client    *http.Client
}

// Provider searches the Open Library catalog for books.
type Provider struct {
	client    *http.Client
	endpoint  string
	coverBase string
	userAgent string
}

type searchResponse struct {
	NumFound int   `json:"numFound"`
	Docs     []doc `json:"docs"`
}

type trendingResponse struct {
	Works []doc `json:"works"`
}

type doc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	CoverID          int64    `json:"cover_i"`
	RatingsAverage   float64  `json:"ratings_average"`
	FirstSentence    []string `json:"first_sentence"`
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
	coverBase := strings.TrimSpace(cfg.CoverBase)
	if coverBase == "" {
		coverBase = defaultCoverBase
	}
	return &Provider{
		client:    client,
		endpoint:  strings.TrimRight(endpoint, "/"),
		coverBase: coverBase,
		userAgent: cfg.UserAgent,
	}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:    providerName,
		Label:   "Open Library",
		Kind:    "rest",
		Types:   []domain.MediaType{domain.MediaTypeBook},
		Enabled: true,
	}
}

func (p *Provider) Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return []domain.SearchResult{}, nil
	}
	limit := common.LimitOrDefault(request.Limit, 20, maxLimit)
	params := url.Values{
		"q":      {query},
		"limit":  {strconv.Itoa(limit)},
		"page":   {strconv.Itoa(common.PageOrDefault(request.Page))},
		"fields": {searchFields},
	}

	var payload searchResponse
	if err := p.get(ctx, "/search.json?"+params.Encode(), &payload); err != nil {
		return nil, err
	}
	return p.toResults(payload.Docs, limit), nil
}

// Popular lists the works trending over the past year.
func (p *Provider) Popular(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	return p.trending(ctx, "yearly", limit)
}

// Trending lists today's trending works.
func (p *Provider) Trending(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	return p.trending(ctx, "daily", limit)
}

func (p *Provider) trending(ctx context.Context, window string, limit int) ([]domain.SearchResult, error) {
	limit = common.LimitOrDefault(limit, 20, maxLimit)
	params := url.Values{"limit": {strconv.Itoa(limit)}}

	var payload trendingResponse
	if err := p.get(ctx, "/trending/"+window+".json?"+params.Encode(), &payload); err != nil {
		return nil, err
	}
	return p.toResults(payload.Works, limit), nil
}

func (p *Provider) get(ctx context.Context, path string, dest any) error {
	return common.DoJSON(ctx, p.client, common.Request{
		Provider:  providerName,
		URL:       p.endpoint + path,
		UserAgent: p.userAgent,
	}, dest)
}

func (p *Provider) toResults(docs []doc, limit int) []domain.SearchResult {
	results := make([]domain.SearchResult, 0, len(docs))
	for _, item := range docs {
		result, ok := p.toResult(item)
		if !ok {
			continue
		}
		results = append(results, result)
		if len(results) >= limit {
			break
		}
	}
	return results
}

func (p *Provider) toResult(item doc) (domain.SearchResult, bool) {
	title := strings.TrimSpace(item.Title)
	externalID := workID(item.Key)
	if title == "" || externalID == "" {
		return domain.SearchResult{}, false
	}

	result := domain.SearchResult{
		ID:             domain.ResultID(providerName, domain.MediaTypeBook, externalID),
		Title:          title,
		Type:           domain.MediaTypeBook,
		Year:           item.FirstPublishYear,
		Rating:         domain.Rescale(item.RatingsAverage, domain.Scale5),
		ExternalID:     externalID,
		ExternalSource: providerName,
	}
	if len(item.AuthorName) > 0 {
		result.Subtitle = strings.TrimSpace(item.AuthorName[0])
	}
	if item.CoverID > 0 {
		result.CoverURL = common.ResolveURL(p.coverBase, strconv.FormatInt(item.CoverID, 10)+"-L.jpg")
	}
	if len(item.FirstSentence) > 0 {
		result.Description = common.CleanDescription(item.FirstSentence[0])
	}
	return result, true
}

// workID strips the "/works/" prefix from an Open Library key.
func workID(key string) string {
	key = strings.TrimSpace(key)
	if index := strings.LastIndex(key, "/"); index >= 0 {
		key = key[index+1:]
	}
	return key
}
