package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"amaliyah/internal/auth"
	"amaliyah/internal/cache"
	"amaliyah/internal/config"
	"amaliyah/internal/handler"
	"amaliyah/internal/httpmiddleware"
	"amaliyah/internal/logging"
	"amaliyah/internal/metrics"
	"amaliyah/internal/queue"
	"amaliyah/internal/state"
	"amaliyah/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func openStore(ctx context.Context, cfg config.App) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath)
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
}

func run(cfg config.App, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	defer st.Close()
	log.Info().Str("backend", cfg.StoreBackend).Msg("store ready")

	var redisClient *store.Redis
	if cfg.UsesRedis() {
		if redisClient, err = store.NewRedis(cfg.RedisAddr); err != nil {
			return err
		}
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
	}

	var (
		rec metrics.Recorder = metrics.Noop{}
		reg *prometheus.Registry
	)
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.New(reg)
	}

	var c cache.Cache = cache.Noop{}
	switch cfg.CacheBackend {
	case "memory":
		c = cache.NewInstrumented(cache.NewMemory(cfg.CacheSizeMB, cfg.CacheTTL), rec)
	case "redis":
		c = cache.NewInstrumented(cache.NewRedis(redisClient.Client, cfg.CacheTTL), rec)
	}

	var bus queue.Queue
	if cfg.BusBackend == "redis" {
		bus = queue.NewRedis(redisClient.Client, "")
	} else {
		bus = queue.NewInMemory(64)
	}

	svc := state.NewService(st, state.Options{
		Cache:   c,
		Bus:     bus,
		Metrics: rec,
		Logger:  logging.Component(log, "state"),
	})
	go func() {
		if err := svc.RunInvalidation(ctx); err != nil {
			log.Error().Err(err).Msg("cache invalidation stopped")
		}
	}()

	checks := map[string]handler.HealthCheck{
		"db": func(ctx context.Context) bool { return st.Ping(ctx) == nil },
	}
	if redisClient != nil {
		checks["redis"] = redisClient.Healthy
	}
	authz := auth.NewAuthorizer(cfg.AdminToken, cfg.LogViewPin, cfg.JWTSigningKey, cfg.JWTIssuer)
	if !authz.AdminConfigured() {
		log.Warn().Msg("STATE_ADMIN_TOKEN and JWT_SIGNING_KEY unset, admin operations disabled")
	}
	h := handler.New(svc, authz, handler.Options{
		JWTIssuer:     cfg.JWTIssuer,
		JWTSigningKey: cfg.JWTSigningKey,
		AdminTokenTTL: cfg.AdminTokenTTL,
		Checks:        checks,
		Logger:        logging.Component(log, "http"),
	})

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.AccessLog(logging.Component(log, "access"), "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			auth.HeaderAdminToken, auth.HeaderLogPin, handler.HeaderForceOverwrite, handler.HeaderActorRole,
			httpmiddleware.HeaderRequestID,
		},
		ExposeHeaders: []string{httpmiddleware.HeaderRequestID},
		MaxAge:        24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	if cfg.MetricsEnabled {
		r.Use(httpmiddleware.Metrics(rec))
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	r.Use(httpmiddleware.RateLimit(limiter, logging.Component(log, "ratelimit")))

	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      gzhttp.GzipHandler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	// give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}
