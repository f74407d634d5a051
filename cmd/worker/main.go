package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/cutout/internal/bootstrap"
	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/dunamismax/cutout/internal/webhook"
	"github.com/dunamismax/cutout/internal/worker"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
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
	logger = logger.With(zap.String("component", "worker"))

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, bootstrap.TraceConfig(cfg.Tracing, "worker", cfg.Pipeline), logger)
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

	jobStore, closeJobs, err := bootstrap.JobStoreFor(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeJobs(); err != nil {
			logger.Warn("job store close failed", zap.Error(err))
		}
	}()

	deps := worker.Deps{
		Remover:        pipeline,
		MaxSourceBytes: cfg.Pipeline.MaxUploadBytes,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}, logger),
		Jobs:            jobStore,
		Usage:           jobStore,
		PipelineMetrics: pipelineMetrics,
	}

	storageClient, err := bootstrap.Storage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if storageClient != nil {
		deps.Storage = storageClient
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("metrics_addr", cfg.Worker.MetricsAddr),
		zap.String("strategy", string(cfg.Pipeline.Strategy)),
	)
	if err := srv.Run(); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}
