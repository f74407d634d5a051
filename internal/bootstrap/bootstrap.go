// Package bootstrap builds the components shared by the api and worker
// binaries from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/dunamismax/cutout/internal/store"
	"github.com/dunamismax/cutout/internal/telemetry"
	"go.uber.org/zap"
)

// JobStore is a job store that also records usage.
type JobStore interface {
	store.JobStore
	store.UsageStore
}

// Pipeline builds the model handle and background-removal pipeline. The
// handle is warmed before returning when the model is configured as eager; a
// failed warm-up is logged and left to the threshold fallback.
func Pipeline(ctx context.Context, cfg segment.Config, metrics *telemetry.PipelineMetrics, logger *zap.Logger) (*segment.Pipeline, *segment.ModelHandle, error) {
	var handle *segment.ModelHandle
	if cfg.Strategy == segment.StrategyModel {
		handle = segment.NewModelHandle(cfg.Model, segment.DefaultLoader, logger)
		if cfg.Model.Eager {
			if err := handle.Warm(ctx); err != nil {
				logger.Warn("model warm-up failed", zap.String("model", cfg.Model.Name), zap.Error(err))
			}
		}
	}

	opts := []segment.Option{segment.WithLogger(logger)}
	if metrics != nil {
		opts = append(opts, segment.WithStageObserver(metrics.ObserveStage))
	}

	pipeline, err := segment.New(cfg, handle, opts...)
	if err != nil {
		if handle != nil {
			_ = handle.Close()
		}
		return nil, nil, fmt.Errorf("build pipeline: %w", err)
	}
	return pipeline, handle, nil
}

// JobStoreFor opens Postgres when a DSN is configured and an in-memory store
// otherwise. The returned close function is never nil.
func JobStoreFor(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (JobStore, func() error, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		logger.Info("using in-memory job store")
		return store.NewMemoryJobStore(), func() error { return nil }, nil
	}

	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using postgres job store")
	return pg, pg.Close, nil
}

// Storage connects to MinIO and ensures the bucket exists. It returns nil
// without error when object storage is disabled.
func Storage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*storage.Client, error) {
	if !cfg.Enabled {
		logger.Info("object storage disabled")
		return nil, nil
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		UseSSL:   cfg.UseSSL,
		Region:   cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	retention := storage.Retention{UploadDays: cfg.UploadRetentionDays, ResultDays: cfg.ResultRetentionDays}
	if err := client.ApplyRetention(ctx, retention); err != nil {
		logger.Warn("bucket lifecycle not applied; objects will not expire", zap.Error(err))
	}
	logger.Info("object storage ready", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return client, nil
}

// TraceConfig converts the loaded tracing settings.
// TraceConfig tags the binary's spans with its component and the pipeline
// settings that change what a trace means.
func TraceConfig(cfg config.TracingConfig, component string, pipeline segment.Config) telemetry.TraceConfig {
	attrs := map[string]string{
		"cutout.strategy": string(pipeline.Strategy),
		"cutout.bound":    pipeline.Bound.String(),
	}
	if pipeline.Strategy == segment.StrategyModel {
		attrs["cutout.model"] = pipeline.Model.Name
	} else {
		attrs["cutout.threshold_rule"] = string(pipeline.Threshold.Rule)
	}
	return telemetry.TraceConfig{
		ServiceName:  cfg.ServiceName,
		Component:    component,
		Exporter:     cfg.Exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		SampleRatio:  cfg.SampleRatio,
		Attributes:   attrs,
	}
}
