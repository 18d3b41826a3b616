package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/surveyloop/quota-engine/internal/api"
	"github.com/surveyloop/quota-engine/internal/config"
	"github.com/surveyloop/quota-engine/internal/counter"
	"github.com/surveyloop/quota-engine/internal/engine"
	"github.com/surveyloop/quota-engine/internal/policies"
	"github.com/surveyloop/quota-engine/internal/reconcile"
	"github.com/surveyloop/quota-engine/internal/storage"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting quota-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"counter_backend", cfg.Counter.Backend,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// Run database migrations
	slog.Info("running database migrations", "dir", cfg.Database.MigrationsDir)
	if err := storage.MigrateFromDSN(initCtx, cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize database repository
	repo, err := storage.NewPostgresRepository(initCtx, storage.PostgresConfig{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: int32(cfg.Database.MaxOpenConns),
		MaxIdleConns: int32(cfg.Database.MaxIdleConns),
	})
	if err != nil {
		slog.Error("failed to create database repository", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected successfully")

	// Initialize counter store
	var counters counter.Store
	switch cfg.Counter.Backend {
	case "redis":
		counters, err = counter.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	case "postgres":
		counters, err = counter.NewPostgresStore(cfg.Database.DSN)
	case "memory":
		slog.Warn("using in-memory counter store, counts are lost on restart")
		counters = counter.NewMemoryStore()
	}
	if err != nil {
		slog.Error("failed to create counter store", "error", err, "backend", cfg.Counter.Backend)
		os.Exit(1)
	}

	if err := counters.Ping(initCtx); err != nil {
		slog.Error("counter store not reachable", "error", err, "backend", cfg.Counter.Backend)
		os.Exit(1)
	}
	slog.Info("counter store connected", "backend", cfg.Counter.Backend)

	// Seed policies from disk if configured
	if cfg.Policies.SeedDir != "" {
		loader := policies.NewLoader()
		if err := loader.LoadFromDir(cfg.Policies.SeedDir); err != nil {
			slog.Warn("failed to load policy seed dir", "dir", cfg.Policies.SeedDir, "error", err)
		}
		if err := loader.Seed(initCtx, repo); err != nil {
			slog.Error("failed to seed policies", "error", err)
			os.Exit(1)
		}
	}

	// Initialize admission engine
	eng := engine.New(repo, counters, engine.NewDispatcher(repo))

	// Initialize reconcile worker
	reconciler := reconcile.NewReconciler(repo, counters, cfg.Reconcile.Interval)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start reconcile worker
	reconciler.Start(ctx)

	// Setup HTTP server
	server := api.NewServer(cfg.Server, eng, repo, counters)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := counters.Close(); err != nil {
		slog.Error("counter store close error", "error", err)
	}

	if err := repo.Close(); err != nil {
		slog.Error("repository close error", "error", err)
	}

	slog.Info("quota-engine stopped")
}
