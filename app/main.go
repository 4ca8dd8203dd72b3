package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lysyi3m/job-comb/app/api"
	"github.com/lysyi3m/job-comb/app/cfg"
	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/status"
	"github.com/lysyi3m/job-comb/app/tasks"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Job Comb stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	appCfg, err := cfg.Load()
	if err != nil {
		return err
	}
	if appCfg == nil {
		// Help was shown
		return nil
	}

	setupLogging(appCfg.Debug)
	slog.Info("Starting Job Comb", "version", appCfg.Version)

	if err := os.MkdirAll(filepath.Dir(appCfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := database.Open(appCfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, _, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "path", appCfg.DBPath, "schema_version", version)

	statusStore, closeStatus, err := newStatusStore(appCfg.RedisAddr)
	if err != nil {
		return err
	}
	defer closeStatus()

	configCache := feed.NewConfigCache(appCfg.FeedsDir)
	if err := configCache.Run(); err != nil {
		return fmt.Errorf("failed to load feed configurations: %w", err)
	}
	slog.Info("Feed configurations loaded", "dir", appCfg.FeedsDir, "count", configCache.GetConfigCount())

	jobs := database.NewJobRepository(db)
	appMetrics := metrics.New()
	importConfig := &tasks.ImportConfig{
		Configs:  configCache,
		Fetcher:  feed.NewFetcher(appCfg.UserAgent, appCfg.FetchRetries),
		Filterer: feed.NewFilterer(),
		Status:   statusStore,
		Jobs:     jobs,
		Metrics:  appMetrics,
		Orchestrator: importer.Options{
			Concurrency: appCfg.Concurrency,
			BatchSize:   appCfg.BatchSize,
			Transport:   feed.Transport(appCfg.Transport),
		},
		PublishBatchSize: appCfg.PublishBatchSize,
		OutputDir:        appCfg.OutputDir,
		FallbackDomain:   appCfg.FallbackDomain,
		LogLines:         appCfg.LogLines,
		MaxRetries:       appCfg.ImportRetries,
	}

	if appCfg.Once {
		return runOnce(importConfig)
	}

	scheduler, err := tasks.NewScheduler(tasks.ImportTaskFactory(importConfig), statusStore, tasks.SchedulerOptions{
		Schedule:   appCfg.Schedule,
		RunOnStart: appCfg.RunOnStart,
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(configCache, statusStore, jobs, appMetrics, scheduler)
	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Scheduler is stopped via defer; a running import is cancelled.
	return nil
}

// runOnce performs a single import, cancelled by SIGINT or SIGTERM.
func runOnce(importConfig *tasks.ImportConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task := tasks.NewImportTask(tasks.TriggerManual, importConfig)
	task.Start()
	return task.Execute(ctx)
}

func newStatusStore(redisAddr string) (status.Store, func(), error) {
	if redisAddr == "" {
		slog.Info("Using in-memory import status")
		return status.NewMemoryStore(), func() {}, nil
	}

	store, err := status.NewRedisStore(redisAddr)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close Redis client", "error", err)
		}
	}, nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
