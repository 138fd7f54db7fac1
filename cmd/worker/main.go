// Package main is the entrypoint for the BidPilot pipeline worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/jreinhardt/bidpilot/internal/expert"
	"github.com/jreinhardt/bidpilot/internal/queue"
	"github.com/jreinhardt/bidpilot/internal/scan"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/internal/stream"
	"github.com/jreinhardt/bidpilot/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "expert_provider", cfg.Expert.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	q, err := queue.New(cfg.Redis.URL, cfg.Queue)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	bus, err := stream.NewBus(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create progress bus: %w", err)
	}
	defer bus.Close()

	provider, err := expert.NewProvider(cfg.Expert)
	if err != nil {
		return fmt.Errorf("create expert provider: %w", err)
	}
	slog.Info("expert provider initialized", "provider", provider.Name())

	pgStore := store.NewPostgresStore(pool)
	catalogs := scan.NewCatalogs(provider)

	runner := worker.NewRunner(pgStore, q, bus, catalogs, cfg.Queue)
	return runner.Run(ctx)
}
