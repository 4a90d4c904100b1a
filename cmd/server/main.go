package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "stacked/searchservice/internal/api/http"
	"stacked/searchservice/internal/app"
	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/library"
	"stacked/searchservice/internal/metrics"
	"stacked/searchservice/internal/search"
	"stacked/searchservice/internal/telemetry"
)

const (
	serviceName    = "stacked-search"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logLevel := new(slog.LevelVar)
	logLevel.Set(app.ParseLogLevel(cfg.LogLevel))
	logger := app.NewLogger(os.Stdout, logLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName, serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.String("animeProvider", cfg.AnimeProvider),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasTMDBKey", strings.TrimSpace(cfg.TMDB.APIKey) != ""),
		slog.Bool("hasIGDBCredentials", cfg.IGDBConfigured()),
		slog.Duration("jikanMinInterval", cfg.Jikan.MinInterval),
		slog.Duration("cacheTTL", cfg.CacheTTL),
		slog.String("libraryPath", cfg.LibraryDBPath),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := library.Open(rootCtx, cfg.LibraryDBPath, library.WithLogger(logger))
	if err != nil {
		logger.Error("open library store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	redisClient := app.NewRedisClient(rootCtx, cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	providerClient := app.NewProviderClient(cfg.RequestTimeout)
	serviceOpts := append(app.ServiceOptions(cfg, logger, redisClient), search.WithLibrary(store))
	searchService := search.NewService(
		app.BuildProviders(cfg, providerClient, redisClient),
		cfg.RequestTimeout,
		serviceOpts...,
	)
	searchService.RestoreRoutes(rootCtx)

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithRouteSettings(searchService),
		apihttp.WithLibrary(store),
		apihttp.WithRateLimit(cfg.RateLimitRPS, 0),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// SSE streaming (/search/stream) can legitimately exceed short write timeouts.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	searchService.StartBackground(rootCtx)

	if path := app.ConfigFilePath(); path != "" {
		err := app.WatchConfig(rootCtx, path, logger, func(next app.Config) {
			logLevel.Set(app.ParseLogLevel(next.LogLevel))
			current := searchService.Routes()[domain.MediaTypeAnime]
			if next.AnimeProvider == "" || next.AnimeProvider == current {
				return
			}
			if err := searchService.SetRoute(rootCtx, domain.MediaTypeAnime, next.AnimeProvider); err != nil {
				logger.Warn("apply anime route from config",
					slog.String("provider", next.AnimeProvider),
					slog.String("error", err.Error()),
				)
			}
		})
		if err != nil {
			logger.Warn("config watcher disabled", slog.String("error", err.Error()))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("stacked search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Any("routes", searchService.Routes()),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stacked search service stopped")
}
