// Package main is the entrypoint for the BidPilot API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jreinhardt/bidpilot/internal/api"
	"github.com/jreinhardt/bidpilot/internal/api/handler"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/api/response"
	"github.com/jreinhardt/bidpilot/internal/cache"
	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/jreinhardt/bidpilot/internal/expert"
	"github.com/jreinhardt/bidpilot/internal/queue"
	"github.com/jreinhardt/bidpilot/internal/scan"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/internal/stream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "expert_provider", cfg.Expert.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis: cache, queue and progress bus
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	q, err := queue.New(cfg.Redis.URL, cfg.Queue)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer q.Close()

	bus, err := stream.NewBus(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create progress bus: %w", err)
	}
	defer bus.Close()

	// 5. Expert provider and pipeline catalogs
	provider, err := expert.NewProvider(cfg.Expert)
	if err != nil {
		return fmt.Errorf("create expert provider: %w", err)
	}
	slog.Info("expert provider initialized", "provider", provider.Name())
	catalogs := scan.NewCatalogs(provider)

	// 6. Create store
	pgStore := store.NewPostgresStore(pool)

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)
	streamer := stream.NewStreamer(bus, cfg.Stream.MaxLifetime)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache, q),

		CreateSubjectHandler: handler.NewCreateSubjectHandler(pgStore),
		GetSubjectHandler:    handler.NewGetSubjectHandler(pgStore),

		SubmitJobHandler:   handler.NewSubmitJobHandler(pgStore, q, catalogs),
		GetJobHandler:      handler.NewGetJobHandler(pgStore, redisCache),
		CancelJobHandler:   handler.NewCancelJobHandler(pgStore, q, bus),
		ListStepsHandler:   handler.NewListStepResultsHandler(pgStore),
		ProgressHandler:    handler.NewProgressHandler(pgStore, streamer),
		MultiStreamHandler: handler.NewMultiStreamHandler(pgStore, streamer),
		AnswerHandler:      handler.NewAnswerHandler(pgStore, q, catalogs),
		SelectiveHandler:   handler.NewSelectiveRunHandler(pgStore, q, catalogs),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout must outlast the longest SSE stream.
		WriteTimeout: cfg.Stream.MaxLifetime + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache and queue connectivity.
func healthHandler(s store.Store, c cache.Cache, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"queue":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := q.Ping(r.Context()); err != nil {
			checks["queue"] = "degraded"
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
