package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/groundedqa/internal/api"
	"github.com/nikhilbhutani/groundedqa/internal/api/handlers"
	"github.com/nikhilbhutani/groundedqa/internal/api/middleware"
	"github.com/nikhilbhutani/groundedqa/internal/app"
	"github.com/nikhilbhutani/groundedqa/internal/auth"
	"github.com/nikhilbhutani/groundedqa/internal/config"
	"github.com/nikhilbhutani/groundedqa/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the answer cache and the task queue; both degrade to
	// misses or errors when it is down.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, running without cache", "error", err)
	}
	defer rdb.Close()

	a, err := app.New(ctx, cfg, app.WithAnswerCache(rdb))
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	checks := map[string]handlers.Checker{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	if a.DB != nil {
		checks["database"] = a.DB.Ping
	}

	deps := api.Deps{
		Config:  cfg,
		Service: a.Pipeline,
		Stats:   a.Index,
		Auth:    auth.NewTenantMiddleware(cfg.Auth.JWTSecret, cfg.Auth.TenantHeader).Authenticate,
		Checks:  checks,
	}

	if cfg.Queue.AsyncIngest {
		qc := queue.NewClient(cfg.Redis, a.Stager)
		defer qc.Close()
		deps.Enqueuer = qc
		slog.Info("async ingest enabled; cmd/worker applies writes")
	}

	if cfg.Server.RateLimitRPS > 0 {
		rl := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		go rl.Run(ctx)
		deps.Limiter = rl
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Retrieval.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "index_backend", cfg.Index.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
