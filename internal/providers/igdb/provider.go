package igdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/metrics"
	"stacked/searchservice/internal/providers/common"
)

const (
	providerName     = "igdb"
	defaultEndpoint  = "https://api.igdb.com/v4"
	defaultTokenURL  = "https://id.twitch.tv/oauth2/token"
	defaultImageBase = "https://images.igdb.com/igdb/image/upload/t_cover_big/"
	maxLimit         = 50
	tokenExpirySkew  = 60 * time.Second
	trendingWindow   = 180 * 24 * time.Hour
)

const gameFields = "fields name,summary,cover.image_id,cover.url,total_rating,rating,first_release_date," +
	"involved_companies.developer,involved_companies.company.name,genres.name;"

type Config struct {
	ClientID     string
	ClientSecret string
	Endpoint     string
	TokenURL     string
	ImageBase    string
	UserAgent    string
	Client       *http.Client
	Tokens       TokenCache
	Now          func() time.Time
}

// Provider searches IGDB for games. Every call needs a Twitch app token
// obtained through the client credentials grant.
type Provider struct {
	client       *http.Client
	clientID     string
	clientSecret string
	endpoint     string
	tokenURL     string
	imageBase    string
	userAgent    string
	tokens       TokenCache
	now          func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type game struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Summary          string  `json:"summary"`
	TotalRating      float64 `json:"total_rating"`
	Rating           float64 `json:"rating"`
	FirstReleaseDate int64   `json:"first_release_date"`
	Cover            *struct {
		ImageID string `json:"image_id"`
		URL     string `json:"url"`
	} `json:"cover"`
	InvolvedCompanies []struct {
		Developer bool `json:"developer"`
		Company   struct {
			Name string `json:"name"`
		} `json:"company"`
	} `json:"involved_companies"`
	Genres []struct {
		Name string `json:"name"`
	} `json:"genres"`
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
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	imageBase := strings.TrimSpace(cfg.ImageBase)
	if imageBase == "" {
		imageBase = defaultImageBase
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		client:       client,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		endpoint:     strings.TrimRight(endpoint, "/"),
		tokenURL:     tokenURL,
		imageBase:    imageBase,
		userAgent:    cfg.UserAgent,
		tokens:       tokens,
		now:          now,
	}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:    providerName,
		Label:   "IGDB",
		Kind:    "rest",
		Types:   []domain.MediaType{domain.MediaTypeGame},
		Enabled: p.configured(),
	}
}

func (p *Provider) configured() bool {
	return p.clientID != "" && p.clientSecret != ""
}

func (p *Provider) Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return []domain.SearchResult{}, nil
	}
	limit := common.LimitOrDefault(request.Limit, 20, maxLimit)
	offset := (common.PageOrDefault(request.Page) - 1) * limit
	body := fmt.Sprintf("search %s; %s where version_parent = null; limit %d; offset %d;",
		quote(query), gameFields, limit, offset)
	return p.games(ctx, body)
}

// Popular lists the most rated games of all time.
func (p *Provider) Popular(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	limit = common.LimitOrDefault(limit, 20, maxLimit)
	body := fmt.Sprintf("%s where total_rating_count != null & version_parent = null; sort total_rating_count desc; limit %d;",
		gameFields, limit)
	return p.games(ctx, body)
}

// Trending lists recent releases ordered by hype.
func (p *Provider) Trending(ctx context.Context, _ domain.MediaType, limit int) ([]domain.SearchResult, error) {
	limit = common.LimitOrDefault(limit, 20, maxLimit)
	now := p.now()
	body := fmt.Sprintf("%s where first_release_date > %d & first_release_date < %d & hypes != null; sort hypes desc; limit %d;",
		gameFields, now.Add(-trendingWindow).Unix(), now.Unix(), limit)
	return p.games(ctx, body)
}

func (p *Provider) games(ctx context.Context, body string) ([]domain.SearchResult, error) {
	if !p.configured() {
		return nil, common.ErrNotConfigured
	}

	var payload []game
	err := p.query(ctx, "/games", body, &payload)
	if err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(payload))
	for _, item := range payload {
		if result, ok := p.toResult(item); ok {
			results = append(results, result)
		}
	}
	return results, nil
}

// query posts an apicalypse body. A 401 means the cached token was revoked,
// so it is dropped and the call repeated once with a fresh one.
func (p *Provider) query(ctx context.Context, path, body string, dest any) error {
	for attempt := 0; ; attempt++ {
		token, err := p.accessToken(ctx)
		if err != nil {
			return err
		}
		err = common.DoJSON(ctx, p.client, common.Request{
			Provider: providerName,
			Method:   http.MethodPost,
			URL:      p.endpoint + path,
			Body:     strings.NewReader(body),
			Header: http.Header{
				"Client-ID":     {p.clientID},
				"Authorization": {"Bearer " + token},
				"Content-Type":  {"text/plain"},
			},
			UserAgent: p.userAgent,
		}, dest)

		var httpErr *common.HTTPError
		if attempt == 0 && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			p.tokens.Invalidate()
			continue
		}
		return err
	}
}

func (p *Provider) accessToken(ctx context.Context) (string, error) {
	if token, ok := p.tokens.Get(p.now()); ok {
		return token, nil
	}

	params := url.Values{
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	var payload tokenResponse
	err := common.DoJSON(ctx, p.client, common.Request{
		Provider:  providerName,
		Method:    http.MethodPost,
		URL:       p.tokenURL + "?" + params.Encode(),
		UserAgent: p.userAgent,
	}, &payload)
	if err == nil && strings.TrimSpace(payload.AccessToken) == "" {
		err = fmt.Errorf("%s: token response without access_token", providerName)
	}
	if err != nil {
		metrics.IGDBTokenRefreshTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%s: fetch token: %w", providerName, err)
	}
	metrics.IGDBTokenRefreshTotal.WithLabelValues("ok").Inc()

	lifetime := time.Duration(payload.ExpiresIn)*time.Second - tokenExpirySkew
	if lifetime < 0 {
		lifetime = 0
	}
	p.tokens.Set(payload.AccessToken, p.now().Add(lifetime))
	return payload.AccessToken, nil
}

func (p *Provider) toResult(item game) (domain.SearchResult, bool) {
	title := strings.TrimSpace(item.Name)
	if title == "" || item.ID <= 0 {
		return domain.SearchResult{}, false
	}
	externalID := strconv.FormatInt(item.ID, 10)

	rating := item.TotalRating
	if rating <= 0 {
		rating = item.Rating
	}

	return domain.SearchResult{
		ID:             domain.ResultID(providerName, domain.MediaTypeGame, externalID),
		Title:          title,
		Subtitle:       subtitle(item),
		Type:           domain.MediaTypeGame,
		CoverURL:       p.coverURL(item),
		Description:    common.CleanDescription(item.Summary),
		Year:           common.YearFromUnix(item.FirstReleaseDate),
		Rating:         domain.Rescale(rating, domain.Scale100),
		ExternalID:     externalID,
		ExternalSource: providerName,
	}, true
}

func (p *Provider) coverURL(item game) string {
	if item.Cover == nil {
		return ""
	}
	if imageID := strings.TrimSpace(item.Cover.ImageID); imageID != "" {
		return common.ResolveURL(p.imageBase, imageID+".jpg")
	}
	return common.ResolveURL("", strings.Replace(item.Cover.URL, "/t_thumb/", "/t_cover_big/", 1))
}

// subtitle prefers the developer, then any involved company, then the
// first genre.
func subtitle(item game) string {
	fallback := ""
	for _, company := range item.InvolvedCompanies {
		name := strings.TrimSpace(company.Company.Name)
		if name == "" {
			continue
		}
		if company.Developer {
			return name
		}
		if fallback == "" {
			fallback = name
		}
	}
	if fallback != "" {
		return fallback
	}
	if len(item.Genres) > 0 {
		return strings.TrimSpace(item.Genres[0].Name)
	}
	return ""
}

func quote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
}
