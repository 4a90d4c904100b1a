package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting. Values come from built-in defaults,
// then the optional YAML file named by STACKED_CONFIG_FILE, then the
// environment. Later sources win.
type Config struct {
	HTTPAddr         string        `yaml:"http_addr"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	UserAgent        string        `yaml:"user_agent"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"`
	PerProviderLimit int           `yaml:"per_provider_limit"`
	AnimeProvider    string        `yaml:"anime_provider"`

	TMDB        TMDBConfig     `yaml:"tmdb"`
	AniList     EndpointConfig `yaml:"anilist"`
	OpenLibrary EndpointConfig `yaml:"openlibrary"`
	IGDB        IGDBConfig     `yaml:"igdb"`
	Jikan       JikanConfig    `yaml:"jikan"`

	RedisURL      string        `yaml:"redis_url"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheDisabled bool          `yaml:"cache_disabled"`
	LibraryDBPath string        `yaml:"library_db_path"`
	DebounceDelay time.Duration `yaml:"debounce_delay"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
}

type EndpointConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type TMDBConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Language string `yaml:"language"`
}

type IGDBConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Endpoint     string `yaml:"endpoint"`
	TokenURL     string `yaml:"token_url"`
}

type JikanConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	MinInterval time.Duration `yaml:"min_interval"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:         ":8090",
		RequestTimeout:   15 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
		UserAgent:        "stacked-search/1.0",
		RateLimitRPS:     50,
		PerProviderLimit: 8,
		AnimeProvider:    "anilist",
		TMDB: TMDBConfig{
			BaseURL:  "https://api.themoviedb.org/3",
			Language: "en-US",
		},
		Jikan:         JikanConfig{MinInterval: 350 * time.Millisecond},
		CacheTTL:      30 * time.Minute,
		LibraryDBPath: "stacked.db",
		DebounceDelay: 300 * time.Millisecond,
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML
// file and the environment. Only a missing or malformed config file is an
// error; bad environment values fall back to the current setting.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(ConfigFilePath())
}

// ConfigFilePath returns STACKED_CONFIG_FILE, or "" when unset.
func ConfigFilePath() string {
	return strings.TrimSpace(os.Getenv("STACKED_CONFIG_FILE"))
}

// LoadConfigFrom is LoadConfig with an explicit file path. An empty path
// skips the file.
func LoadConfigFrom(path string) (Config, error) {
	cfg := defaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.AnimeProvider = strings.ToLower(strings.TrimSpace(cfg.AnimeProvider))
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.RequestTimeout = getEnvDuration("SEARCH_TIMEOUT_SECONDS", time.Second, cfg.RequestTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.UserAgent = getEnv("SEARCH_USER_AGENT", cfg.UserAgent)
	cfg.RateLimitRPS = float64(getEnvInt("HTTP_RATE_LIMIT_RPS", int(cfg.RateLimitRPS)))
	cfg.PerProviderLimit = getEnvInt("SEARCH_PER_PROVIDER_LIMIT", cfg.PerProviderLimit)
	cfg.AnimeProvider = getEnv("SEARCH_ANIME_PROVIDER", cfg.AnimeProvider)

	cfg.TMDB.APIKey = getEnv("TMDB_API_KEY", cfg.TMDB.APIKey)
	cfg.TMDB.BaseURL = getEnv("TMDB_BASE_URL", cfg.TMDB.BaseURL)
	cfg.TMDB.Language = getEnv("TMDB_LANGUAGE", cfg.TMDB.Language)
	cfg.AniList.Endpoint = getEnv("ANILIST_ENDPOINT", cfg.AniList.Endpoint)
	cfg.OpenLibrary.Endpoint = getEnv("OPENLIBRARY_ENDPOINT", cfg.OpenLibrary.Endpoint)
	cfg.IGDB.ClientID = getEnv("IGDB_CLIENT_ID", cfg.IGDB.ClientID)
	cfg.IGDB.ClientSecret = getEnv("IGDB_CLIENT_SECRET", cfg.IGDB.ClientSecret)
	cfg.IGDB.Endpoint = getEnv("IGDB_ENDPOINT", cfg.IGDB.Endpoint)
	cfg.IGDB.TokenURL = getEnv("IGDB_TOKEN_URL", cfg.IGDB.TokenURL)
	cfg.Jikan.Endpoint = getEnv("JIKAN_ENDPOINT", cfg.Jikan.Endpoint)
	cfg.Jikan.MinInterval = getEnvDuration("JIKAN_MIN_INTERVAL_MS", time.Millisecond, cfg.Jikan.MinInterval)

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.CacheTTL = getEnvDuration("SEARCH_CACHE_TTL_MINUTES", time.Minute, cfg.CacheTTL)
	cfg.CacheDisabled = getEnvBool("SEARCH_CACHE_DISABLED", cfg.CacheDisabled)
	cfg.LibraryDBPath = getEnv("LIBRARY_DB_PATH", cfg.LibraryDBPath)
	cfg.DebounceDelay = getEnvDuration("DEBOUNCE_MS", time.Millisecond, cfg.DebounceDelay)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
}

// IGDBConfigured reports whether both Twitch credentials are present.
func (c Config) IGDBConfigured() bool {
	return strings.TrimSpace(c.IGDB.ClientID) != "" && strings.TrimSpace(c.IGDB.ClientSecret) != ""
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration reads a positive integer count of unit.
func getEnvDuration(key string, unit, fallback time.Duration) time.Duration {
	count := getEnvInt(key, 0)
	if count == 0 {
		return fallback
	}
	return time.Duration(count) * unit
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
