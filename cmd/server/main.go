// Package main is the entrypoint for the pvebatch API server.
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

	"github.com/kiranshivaraju/pvebatch/internal/ai"
	"github.com/kiranshivaraju/pvebatch/internal/api"
	"github.com/kiranshivaraju/pvebatch/internal/api/handler"
	mw "github.com/kiranshivaraju/pvebatch/internal/api/middleware"
	"github.com/kiranshivaraju/pvebatch/internal/artifact"
	"github.com/kiranshivaraju/pvebatch/internal/batch"
	"github.com/kiranshivaraju/pvebatch/internal/cache"
	"github.com/kiranshivaraju/pvebatch/internal/config"
	"github.com/kiranshivaraju/pvebatch/internal/metrics"
	"github.com/kiranshivaraju/pvebatch/internal/proxmox"
	"github.com/kiranshivaraju/pvebatch/internal/store"
	"github.com/kiranshivaraju/pvebatch/internal/telemetry"
	"github.com/spf13/afero"
)

const (
	shutdownTimeout = 30 * time.Second
	// downloads stream whole job archives
	writeTimeout = 5 * time.Minute
	staleJobMsg  = "server restarted while job was running"
)

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
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env,
		"batch_size", cfg.Batch.Size, "output_dir", cfg.Batch.OutputDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flush traces", "error", err)
		}
	}()

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

	pgStore := store.NewPostgresStore(pool)
	stale, err := pgStore.FailStaleJobs(ctx, staleJobMsg)
	if err != nil {
		return fmt.Errorf("fail stale jobs: %w", err)
	}
	if stale > 0 {
		slog.Warn("marked interrupted jobs failed", "count", stale)
	}

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Proxmox and AI clients
	pve := proxmox.NewHTTPClient(cfg.Proxmox)

	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	aiService := ai.NewService(aiProvider, cfg.AI.InferenceTimeout,
		ai.WithMaxTokens(cfg.AI.MaxTokens),
		ai.WithMaxRetries(cfg.AI.MaxRetries),
		ai.WithRequestsPerMinute(cfg.AI.RequestsPerMinute),
	)
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	// 6. Batch engine
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.Batch.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	writer := artifact.NewWriter(fs, cfg.Batch.OutputDir, artifactOptions(cfg.Batch)...)

	coordinator := batch.NewCoordinator(pve, aiService, pgStore, writer, redisCache, coordinatorOptions(cfg))

	// 7. Build router with dependencies
	router := api.NewRouter(buildDependencies(cfg, coordinator, pve, pgStore, redisCache))

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	// Cancels running jobs and waits for them to finalize as failed.
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("batch shutdown: %w", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

func coordinatorOptions(cfg *config.Config) batch.Options {
	return batch.Options{
		PoolSize:         cfg.Batch.Size,
		Stages:           batch.EnabledStages(cfg.Batch.Stages),
		SummaryReport:    cfg.Batch.Stages.SummaryReport,
		FailureThreshold: cfg.Batch.FailureThreshold,
		Exclusive:        cfg.Batch.ExclusiveJobs,
		StatusTTL:        cfg.Redis.StatusTTL,
	}
}

func artifactOptions(cfg config.BatchConfig) []artifact.Option {
	return []artifact.Option{
		artifact.WithTerraform(cfg.Stages.Terraform),
		artifact.WithAnsible(cfg.Stages.Ansible),
	}
}

func buildDependencies(cfg *config.Config, jobs handler.JobService, pve proxmox.Client,
	s store.Store, c cache.Cache) api.Dependencies {
	return api.Dependencies{
		RateLimit: mw.NewRateLimit(c, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:    handler.NewHealthHandler(healthChecks(s, c, pve)),
		MetricsHandler:   metrics.Handler(),
		ClusterResources: handler.NewClusterResourcesHandler(pve, c),
		ClusterInfo:      handler.NewClusterInfoHandler(pve),

		StartJob:         handler.NewStartJobHandler(jobs),
		ListJobs:         handler.NewListJobsHandler(jobs),
		GetJob:           handler.NewGetJobHandler(jobs),
		JobStatus:        handler.NewJobStatusHandler(jobs),
		ResourceAnalysis: handler.NewResourceAnalysisHandler(jobs),
		DownloadJob:      handler.NewDownloadHandler(jobs),
		CancelJob:        handler.NewCancelJobHandler(jobs),
	}
}

// healthChecks checks database, cache and Proxmox connectivity.
func healthChecks(s store.Store, c cache.Cache, pve proxmox.Client) map[string]handler.Checker {
	return map[string]handler.Checker{
		"database": s.Ping,
		"cache":    c.Ping,
		"proxmox":  pve.Ready,
	}
}
