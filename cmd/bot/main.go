package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"medverify/internal/adjudicator"
	"medverify/internal/config"
	"medverify/internal/gate"
	"medverify/internal/membership"
	"medverify/internal/scheduler"
	"medverify/internal/store"
	"medverify/internal/telegram"
	"medverify/internal/verify"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	var logLevel slog.Level
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if cfg.Logging.JSONFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Create root context with cancellation
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// WaitGroup for tracking active goroutines
	var wg sync.WaitGroup

	// Open the verification store
	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Evidence adjudicator client
	adj := adjudicator.NewClient(cfg.Adjudicator, logger)

	// Decision cache shared by the gate, engine, and classifier
	cache := gate.NewCache(cfg.Verification.CacheTTL)

	// Connect to Telegram
	api, err := telegram.NewAPI(cfg.Telegram)
	if err != nil {
		logger.Error("failed to create telegram bot", "error", err)
		os.Exit(1)
	}
	adapter := telegram.NewAdapter(api, logger)

	// Core components
	engine := verify.NewEngine(st, adj, adapter, adapter, cache, cfg.Verification, logger)
	msgGate := gate.NewGate(st, cache, adapter, cfg.Verification, cfg.Telegram.AdminUserIDs, logger)
	sched := scheduler.New(st, adapter, cfg.Verification, logger)
	defer sched.Stop()
	classifier := membership.New(st, cache, adapter, sched, cfg.Verification, api.Self.ID, logger)

	updateHandler := telegram.NewHandler(api, adapter, engine, msgGate, classifier, st, cache, cfg.Telegram, logger)
	bot := telegram.NewBot(api, updateHandler, cfg.Telegram, logger)

	// Start bot in goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bot.Run(rootCtx); err != nil && err != context.Canceled {
			logger.Error("bot error", "error", err)
		}
	}()

	logger.Info("bot started",
		"storage_path", cfg.Storage.Path,
		"adjudicator_url", cfg.Adjudicator.BaseURL,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig)

	// Cancel root context to signal all goroutines
	rootCancel()

	// Wait for graceful shutdown with timeout
	shutdownTimeout := 30 * time.Second
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("graceful shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}
}
