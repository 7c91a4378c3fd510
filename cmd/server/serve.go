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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/chatd/internal/agent"
	"github.com/ashureev/chatd/internal/api"
	"github.com/ashureev/chatd/internal/cache"
	"github.com/ashureev/chatd/internal/chat"
	"github.com/ashureev/chatd/internal/grant"
	"github.com/ashureev/chatd/internal/identity"
	"github.com/ashureev/chatd/internal/kvstore"
	"github.com/ashureev/chatd/internal/llm"
	"github.com/ashureev/chatd/internal/lock"
	"github.com/ashureev/chatd/internal/middleware"
	"github.com/ashureev/chatd/internal/store"
	"github.com/ashureev/chatd/internal/tools"
	"github.com/ashureev/chatd/internal/usage"
)

// limiterIdle is how long an idle per-IP bucket is kept.
const limiterIdle = 10 * time.Minute

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting server", "port", cfg.Port, "env", cfg.Env, "self_hosted", cfg.Auth.SelfHosted)

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.DatabaseReplicaURLs, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := kvstore.Open(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("initialize redis: %w", err)
	}
	defer kvstore.Close(rdb, logger)
	logger.Info("Redis connected")

	grants, err := grant.NewIssuer(cfg.GrantSecret)
	if err != nil {
		return fmt.Errorf("initialize grants: %w", err)
	}
	auth, err := identity.New(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("initialize identity: %w", err)
	}

	locker := lock.New(rdb, logger)
	policy := usage.NewPolicy(usage.NewLedger(rdb), int64(cfg.Usage.MaxTokens), cfg.Usage.Window, logger)
	model := llm.NewClient(cfg.OpenAI, logger)
	transcripts := chat.NewMessageStore(repo, model, logger)
	sweeper := chat.NewSweeper(repo, locker, cfg.Sweeper.PlaceholderTTL, cfg.Sweeper.Interval, logger)

	var toolbox agent.Toolbox
	if cfg.Tools.Enabled {
		registry := tools.NewRegistry(logger)
		snapshots := cache.New(rdb, tools.AIContextCachePrefix, cfg.Tools.CacheEnabled)
		registry.Register(tools.NewAIContext(cfg.Tools.AIContextURL, cfg.Tools.AIContextTimeout, snapshots, logger))
		registry.Register(tools.NewCastPreview())
		toolbox = registry
		logger.Info("Model tools enabled", "cache", snapshots.Enabled())
	}

	svc, err := agent.NewService(agent.Dependencies{
		Processor:     model,
		Transcripts:   transcripts,
		Conversations: repo,
		Usage:         policy,
		Grants:        grants,
		Locker:        locker,
		Tools:         toolbox,
	}, agent.Config{
		SystemPrompt:    cfg.OpenAI.SystemPrompt,
		StreamTimeout:   cfg.Timeouts.Stream,
		PersistTimeout:  cfg.Timeouts.Persist,
		SerializeWrites: cfg.SerializeWrites,
		LockWait:        cfg.LockWait,
		Debug:           cfg.DebugChat,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize chat service: %w", err)
	}

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, grants, logger,
		api.WithSourceURL(cfg.SourceURL),
		api.WithHealthCheck("db", repo.Ping),
		api.WithHealthCheck("redis", func(ctx context.Context) error { return kvstore.Ping(ctx, rdb) }),
	)
	chatHandler := agent.NewHandler(svc, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, limiterIdle)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger, cfg.DebugHTTP))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(auth.Middleware)
		apiHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
	})

	// Create server.
	// Note: SSE responses require no WriteTimeout; streams are bounded by
	// STREAM_TIMEOUT instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Timeouts.Request,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Timeouts.Shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// Drain background title and usage writes before closing the stores.
	transcripts.Wait()
	policy.Wait()

	if err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	repo, err := store.Open(cmd.Context(), cfg.DatabaseURL, nil, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("Migrations applied", "driver", repo.Driver())
	return nil
}
