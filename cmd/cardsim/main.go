// Cardsim - Agent-based credit card transaction simulator.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/cardsim/internal/api"
	"github.com/opensource-finance/cardsim/internal/bus"
	"github.com/opensource-finance/cardsim/internal/cache"
	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/repository"
	"github.com/opensource-finance/cardsim/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	slog.SetDefault(newLogger(domain.LoggingConfig{Level: "info", Format: "json"}))

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("CARDSIM_TIER") == "pro" {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv("CARDSIM_CONFIG"); path != "" {
		loaded, err := domain.LoadConfig(path, cfg)
		if err != nil {
			slog.Error("failed to load configuration", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting cardsim",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"params", cfg.Simulation.ParamsPath,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Worker. Every instance consumes queued runs; with NATS the
	// queue group spreads them across instances.
	simWorker := worker.NewWorker(busImpl, repo, cacheImpl, worker.DefaultConfig())
	if err := simWorker.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, cfg.Simulation, repo, cacheImpl, busImpl, simWorker, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("cardsim is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before cancelling runs in flight
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := simWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	slog.Info("cardsim shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("CARDSIM_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 CARDSIM                   ║")
	fmt.Println("  ║   Credit Card Transaction Simulator       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /runs                    - Start a simulation run")
	fmt.Println("    GET  /runs                    - List runs")
	fmt.Println("    GET  /runs/{id}               - Get a run with its progress")
	fmt.Println("    GET  /runs/{id}/transactions  - Transaction log")
	fmt.Println("    GET  /runs/{id}/ticks         - Per-tick population log")
	fmt.Println("    GET  /runs/{id}/stream        - Live run stream (websocket)")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
