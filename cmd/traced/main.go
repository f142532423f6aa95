package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"traced/internal/assemble"
	"traced/internal/broadcast"
	"traced/internal/cache"
	"traced/internal/config"
	"traced/internal/limit"
	"traced/internal/live"
	"traced/internal/metrics"
	"traced/internal/server"
	"traced/internal/storage"
	"traced/internal/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("driver", cfg.DB.Driver).
		Uint64("cache_max_bytes", cfg.Cache.MaxBytes).
		Int("broadcast_capacity", cfg.Broadcast.Capacity).
		Msg("starting traced")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	var limiter *limit.KeyLimiter
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		limiter = limit.NewKeyLimiter(rdb, cfg.Rate.PerHour)
		log.Info().Str("addr", cfg.Redis.Addr).Int64("per_hour", cfg.Rate.PerHour).Msg("rate limiting enabled")
	}

	traceCache := cache.NewWithMaxBytes(cfg.Cache.MaxBytes)
	listCache := cache.NewExpiring[string, []trace.Summary](cfg.Cache.ListTTL)
	broadcaster := broadcast.New(cfg.Broadcast.Capacity)
	defer broadcaster.Close()

	m := metrics.Global()
	stream := live.NewHandler(broadcaster, scopeResolver(cfg.AdminKey), log.Logger)

	srv := server.New(server.Config{
		Store:       store,
		Cache:       traceCache,
		ListCache:   listCache,
		Broadcaster: broadcaster,
		Limiter:     limiter,
		Stream:      stream,
		Logger:      log.Logger,
		Metrics:     m,
	})

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("GET "+cfg.HealthPath, srv.Health)
	mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if _, err := assemble.WarmCache(ctx, store, traceCache, cfg.Cache.WarmCount, log.Logger); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("cache warming failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				listCache.CleanupExpired()
			}
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// scopeResolver grants the admin key full visibility; any other non-empty key
// is scoped to its own traces.
func scopeResolver(adminKey string) live.ScopeFunc {
	return func(apiKey string) (live.Scope, bool) {
		if apiKey == "" {
			return live.Scope{}, false
		}
		if adminKey != "" && apiKey == adminKey {
			return live.Scope{Admin: true}, true
		}
		return live.Scope{OwnerKey: apiKey}, true
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
