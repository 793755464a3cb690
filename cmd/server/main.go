// Package main is the entrypoint for the mlpipe API server.
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

	"github.com/ashokvn/mlpipe/internal/api"
	"github.com/ashokvn/mlpipe/internal/api/handler"
	mw "github.com/ashokvn/mlpipe/internal/api/middleware"
	"github.com/ashokvn/mlpipe/internal/cache"
	"github.com/ashokvn/mlpipe/internal/config"
	"github.com/ashokvn/mlpipe/internal/jobs"
	"github.com/ashokvn/mlpipe/internal/queue"
	"github.com/ashokvn/mlpipe/internal/runner"
	"github.com/ashokvn/mlpipe/internal/store"
	"github.com/ashokvn/mlpipe/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
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
	slog.Info("config loaded", "env", cfg.Server.Env,
		"workers", cfg.Jobs.Workers, "queue_capacity", cfg.Jobs.QueueCapacity)

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

	// 5. Create store and seed the first admin key if none exist
	pgStore := store.NewPostgresStore(pool)
	if err := bootstrapAPIKey(ctx, pgStore, cfg.Auth.BootstrapAPIKey); err != nil {
		return fmt.Errorf("bootstrap api key: %w", err)
	}

	// 6. Build the job pipeline: executor, runner, queue, manager
	executor := runner.NewProcessExecutor(cfg.Pipeline.Command, cfg.Pipeline.ProjectDir)
	jobRunner := runner.New(pgStore, executor, cfg.Pipeline.ExecTimeout)

	mode := queue.Block
	if cfg.Jobs.Backpressure == "reject" {
		mode = queue.Reject
	}
	dispatch := queue.New(cfg.Jobs.QueueCapacity, mode, cfg.Jobs.EnqueueTimeout)

	manager := jobs.NewManager(pgStore, dispatch, jobRunner, jobs.Config{
		Workers: cfg.Jobs.Workers,
		Catalog: cfg.Pipeline.Catalog,
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMinute),

		HealthHandler:    handler.NewHealthHandler(pgStore, redisCache),
		SubmitJobHandler: handler.NewSubmitJobHandler(manager),
		ListJobsHandler:  handler.NewListJobsHandler(manager),
		JobStatsHandler:  handler.NewJobStatsHandler(manager),
		GetJobHandler:    handler.NewGetJobHandler(manager),
		JobResultHandler: handler.NewJobResultHandler(manager),
		CancelJobHandler: handler.NewCancelJobHandler(manager),
		ListPipelines:    handler.NewListPipelinesHandler(cfg.Pipeline.Catalog),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
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
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout: stop accepting requests first, then
	// drain the worker pool so in-flight pipeline runs get a chance to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		slog.Warn("job manager stopped before draining", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// bootstrapAPIKey seeds a full-scope key from the environment the first time
// the server starts against an empty api_keys table. Without it there is no
// way to mint the first key.
func bootstrapAPIKey(ctx context.Context, st store.Store, rawKey string) error {
	count, err := st.CountAPIKeys(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if rawKey == "" {
		slog.Warn("no api keys exist and BOOTSTRAP_API_KEY is not set; all requests will be rejected")
		return nil
	}
	if len(rawKey) < 16 {
		return fmt.Errorf("BOOTSTRAP_API_KEY must be at least 16 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := st.CreateAPIKey(ctx, &models.APIKey{
		ID:        uuid.New(),
		Name:      "bootstrap",
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:8],
		Scopes:    []string{models.ScopeRead, models.ScopeSubmit, models.ScopeAdmin},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}
	slog.Info("bootstrap api key created", "prefix", rawKey[:8])
	return nil
}
