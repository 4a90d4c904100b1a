package anilist

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/providers/common"
)

const (
	providerName    = "anilist"
	defaultEndpoint = "https://graphql.anilist.co"
	maxPerPage      = 50
)

const (
	sortSearchMatch = "SEARCH_MATCH"
	sortPopularity  = "POPULARITY_DESC"
	sortTrending    = "TRENDING_DESC"
)

const mediaQuery = `query ($search: String, $page: Int, $perPage: Int, $sort: [MediaSort]) {
  Page(page: $page, perPage: $perPage) {
    media(search: $search, type: ANIME, sort: $sort, isAdult: false) {
      id
      title { english romaji native }
      coverImage { extraLarge large }
      description(asHtml: false)
      averageScore
      format
      seasonYear
      startDate { year }
      studios(isMain: true) { nodes { name } }
    }
  }
}`

// browseQuery lists media without a search term.
const browseQuery = `query ($page: Int, $perPage: Int, $sort: [MediaSort]) {
  Page(page: $page, perPage: $perPage) {
    media(type: ANIME, sort: $sort, isAdult: false) {
      id
      title { english romaji native }
      coverImage { extraLarge large }
      description(asHtml: false)
      averageScore
      format
      seasonYear
      startDate { year }
      studios(isMain: true) { nodes { name } }
    }
  }
}`

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

// Provider queries the AniList GraphQL API for anime.
type Provider struct {
	client    *http.Client
	endpoint  string
	userAgent string
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Page struct {
			Media []media `json:"media"`
		} `json:"Page"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"errors"`
}

type media struct {
	ID    int64 `json:"id"`
	Title struct {
		English string `json:"english"`
		Romaji  string `json:"romaji"`
		Native  string `json:"native"`
	} `json:"title"`
	CoverImage struct {
		ExtraLarge string `json:"extraLarge"`
		Large      string `json:"large"`
	} `json:"coverImage"`
	Description  string `json:"description"`
	AverageScore int    `json:"averageScore"`
	Format       string `json:"format"`
	SeasonYear   int    `json:"seasonYear"`
	StartDate    struct {
		Year int `json:"year"`
	} `json:"startDate"`
	Studios struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
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
	return &Provider{client: client, endpoint: endpoint, userAgent: cfg.UserAgent}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:    providerName,
		Label:   "AniList",
		Kind:    "graphql",
		Types:   []domain.MediaType{domain.MediaTypeAnime},
		Enabled: true,
	}
}

func (p *Provider) Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return []domain.SearchResult{}, nil
	}
	return p.fetch(ctx, mediaQuery, map[string]any{
		"search":  query,
		"page":    common.PageOrDefault(request.Page),
		"perPage": common.LimitOrDefault(request.Limit, 20, maxPerPage),
		"sort":    []string{sortSearchMatch},
	})
}

func (p *Provider) Popular(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	return p.fetch(ctx, browseQuery, map[string]any{
		"page":    1,
		"perPage": common.LimitOrDefault(limit, 20, maxPerPage),
		"sort":    []string{sortPopularity},
	})
}

func (p *Provider) Trending(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	return p.fetch(ctx, browseQuery, map[string]any{
		"page":    1,
		"perPage": common.LimitOrDefault(limit, 20, maxPerPage),
		"sort":    []string{sortTrending},
	})
}

func (p *Provider) fetch(ctx context.Context, query string, variables map[string]any) ([]domain.SearchResult, error) {
	body, err := common.JSONBody(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("%s: encode query: %w", providerName, err)
	}

	var payload graphQLResponse
	err = common.DoJSON(ctx, p.client, common.Request{
		Provider:  providerName,
		Method:    http.MethodPost,
		URL:       p.endpoint,
		Body:      body,
		Header:    http.Header{"Content-Type": {"application/json"}},
		UserAgent: p.userAgent,
	}, &payload)
	if err != nil {
		return nil, err
	}
	if len(payload.Errors) > 0 {
		messages := make([]string, 0, len(payload.Errors))
		for _, gqlErr := range payload.Errors {
			messages = append(messages, gqlErr.Message)
		}
		return nil, fmt.Errorf("%s: graphql: %s", providerName, strings.Join(messages, "; "))
	}

	results := make([]domain.SearchResult, 0, len(payload.Data.Page.Media))
	for _, item := range payload.Data.Page.Media {
		if result, ok := toResult(item); ok {
			results = append(results, result)
		}
	}
	return results, nil
}

func toResult(item media) (domain.SearchResult, bool) {
	title := firstNonEmpty(item.Title.English, item.Title.Romaji, item.Title.Native)
	if title == "" || item.ID <= 0 {
		return domain.SearchResult{}, false
	}
	externalID := strconv.FormatInt(item.ID, 10)
	year := item.SeasonYear
	if year == 0 {
		year = item.StartDate.Year
	}

	subtitle := ""
	if len(item.Studios.Nodes) > 0 {
		subtitle = strings.TrimSpace(item.Studios.Nodes[0].Name)
	}
	if subtitle == "" {
		subtitle = formatLabel(item.Format)
	}

	return domain.SearchResult{
		ID:             domain.ResultID(providerName, domain.MediaTypeAnime, externalID),
		Title:          title,
		Subtitle:       subtitle,
		Type:           domain.MediaTypeAnime,
		CoverURL:       common.ResolveURL("", firstNonEmpty(item.CoverImage.ExtraLarge, item.CoverImage.Large)),
		Description:    common.CleanDescription(item.Description),
		Year:           year,
		Rating:         domain.Rescale(float64(item.AverageScore), domain.Scale100),
		ExternalID:     externalID,
		ExternalSource: providerName,
	}, true
}

// formatLabel turns AniList enums like TV_SHORT into "TV Short".
func formatLabel(format string) string {
	switch format {
	case "":
		return ""
	case "TV", "OVA", "ONA":
		return format
	}
	words := strings.Split(strings.ToLower(format), "_")
	for i, word := range words {
		if word == "tv" {
			words[i] = "TV"
			continue
		}
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
