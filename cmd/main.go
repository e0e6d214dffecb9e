package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/operational-cognos/gateway/pkg/api"
	"github.com/operational-cognos/gateway/pkg/cache"
	"github.com/operational-cognos/gateway/pkg/config"
	"github.com/operational-cognos/gateway/pkg/gateway"
	"github.com/operational-cognos/gateway/pkg/middleware"
	"github.com/operational-cognos/gateway/pkg/storage"
	"github.com/operational-cognos/gateway/pkg/upstream"
)

func main() {
	// 1. Load config once; it does not change while the process runs.
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Redis (if enabled): trace store backend and shared rate limiter.
	var rdb *cache.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Str("address", cfg.Redis.Address).Msg("could not connect to redis")
		}
		log.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
	}

	// 3. Trace store.
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := storage.Open(initCtx, cfg.Storage, rdb)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open trace store")
	}
	defer store.Close()
	log.Info().Str("backend", cfg.Storage.Backend).Str("path", cfg.Storage.Path).Msg("trace store ready")

	// 4. Upstream client, unless mocked.
	var up gateway.Completer
	if cfg.Upstream.Mock {
		log.Warn().Msg("mock upstream enabled, no provider calls will be made")
	} else {
		client, err := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create upstream client")
		}
		up = client
		log.Info().Str("endpoint", client.Endpoint()).Dur("timeout", cfg.Upstream.Timeout()).Msg("upstream configured")
	}
	if cfg.Gateway.APIKey == "" {
		log.Warn().Msg("gateway api key not set, endpoints are unauthenticated")
	}

	chat := gateway.New(gateway.Options{
		UpstreamAPIKey:       cfg.Upstream.APIKey,
		GatewayAPIKey:        cfg.Gateway.APIKey,
		DefaultPolicy:        cfg.Gateway.DefaultPolicy,
		Mock:                 cfg.Upstream.Mock,
		EstimateStreamTokens: cfg.Gateway.EstimateStreamTokens,
	}, store, up, nil)

	// 5. Rate limiting, distributed when Redis is available.
	var limiter func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		if rdb != nil {
			limiter = middleware.NewRedisRateLimiter(rdb, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		} else {
			limiter = middleware.NewRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
		}
		log.Info().
			Float64("rps", cfg.RateLimit.RPS).
			Int("burst", cfg.RateLimit.Burst).
			Bool("distributed", rdb != nil).
			Msg("rate limiting enabled")
	}

	router := api.NewRouter(api.RouterConfig{
		Store:      store,
		Chat:       chat,
		GatewayKey: cfg.Gateway.APIKey,
		RateLimit:  limiter,
	})

	// 6. Serve until signalled. No WriteTimeout: streamed completions run
	// as long as upstream keeps sending.
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Port).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
