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

	"github.com/dunamismax/cutout/internal/api"
	"github.com/dunamismax/cutout/internal/bootstrap"
	"github.com/dunamismax/cutout/internal/cache"
	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/ratelimit"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Log.Mode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("component", "api"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, bootstrap.TraceConfig(cfg.Tracing, "api", cfg.Pipeline), logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := segment.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer segment.Shutdown()

	pipelineMetrics := telemetry.NewPipelineMetrics()
	pipeline, handle, err := bootstrap.Pipeline(ctx, cfg.Pipeline, pipelineMetrics, logger)
	if err != nil {
		return err
	}
	if handle != nil {
		defer handle.Close()
	}

	opts := api.Options{
		Logger:                logger,
		Remover:               pipeline,
		PipelineMetrics:       pipelineMetrics,
		MaxConcurrent:         cfg.API.MaxConcurrent,
		PresignTTL:            cfg.API.PresignTTL,
		AllowOrigin:           cfg.API.AllowOrigin,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		RateLimitCostUnit:     cfg.RateLimit.CostUnitBytes,
	}

	if cfg.Cache.Enabled || cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer rdb.Close()

		if cfg.Cache.Enabled {
			resultCache, err := cache.NewRedisCache(rdb, cfg.Cache.TTL, logger)
			if err != nil {
				return fmt.Errorf("create result cache: %w", err)
			}
			if err := resultCache.Ping(ctx); err != nil {
				logger.Warn("result cache unreachable; continuing without it", zap.Error(err))
			} else {
				opts.Cache = resultCache
			}
		}
		if cfg.RateLimit.Enabled {
			limiter, err := ratelimit.NewRedisTokenBucket(rdb, ratelimit.Config{
				Capacity: cfg.RateLimit.Capacity,
				Window:   cfg.RateLimit.Window,
			})
			if err != nil {
				return fmt.Errorf("create rate limiter: %w", err)
			}
			opts.RateLimiter = limiter
		}
	}

	jobStore, closeJobs, err := bootstrap.JobStoreFor(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeJobs(); err != nil {
			logger.Warn("job store close failed", zap.Error(err))
		}
	}()
	opts.Jobs = jobStore

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
		Queue:     cfg.Queue.Name,
		MaxRetry:  cfg.Queue.MaxRetry,
		Timeout:   cfg.Queue.TaskTimeout,
		Retention: cfg.Queue.Retention,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()
	opts.Queue = queueClient

	storageClient, err := bootstrap.Storage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if storageClient != nil {
		opts.Storage = storageClient
	}

	app, err := api.NewServer(opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.API.Addr),
			zap.String("strategy", string(cfg.Pipeline.Strategy)),
			zap.String("model", cfg.Pipeline.Model.Name),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
