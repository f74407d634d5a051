package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/dunamismax/cutout/internal/store"
	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/dunamismax/cutout/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Remover runs background removal on raw image bytes.
type Remover interface {
	RemoveBackground(ctx context.Context, data []byte) (*segment.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators of a worker Server. Storage may be nil, in
// which case only local_file jobs can run.
type Deps struct {
	Remover         Remover
	MaxSourceBytes  int64
	Storage         ObjectStorage
	Webhook         webhookSender
	Jobs            store.JobStore
	Usage           store.UsageStore
	PipelineMetrics *telemetry.PipelineMetrics
}

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	sem           chan struct{}
	remover       Remover
	local         route
	object        route
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.Remover == nil {
		return nil, fmt.Errorf("remover is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")

	usageStore := deps.Usage
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.Jobs.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := newServer(logger, workerCfg, deps)
	s.usageStore = usageStore
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger.Named("asynq").Sugar(),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func newServer(logger *zap.Logger, workerCfg config.WorkerConfig, deps Deps) *Server {
	return &Server{
		logger:  logger,
		sem:     make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		remover: deps.Remover,
		local: route{
			fetcher: LocalFileFetcher{MaxBytes: deps.MaxSourceBytes},
			emitter: LocalFileEmitter{OutputDir: workerCfg.LocalOutputDir},
		},
		object: route{
			fetcher: ObjectStoreFetcher{Storage: deps.Storage, MaxBytes: deps.MaxSourceBytes},
			emitter: ObjectStoreEmitter{Storage: deps.Storage},
		},
		webhookClient: deps.Webhook,
		jobStore:      deps.Jobs,
		usageStore:    deps.Usage,
		metrics:       newMetrics(deps.PipelineMetrics),
		tracer:        otel.Tracer("github.com/dunamismax/cutout/internal/worker"),
	}
}

// Run blocks until the process receives SIGTERM or SIGINT.
func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRemoveBackground, s.handleRemoveBackground)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRemoveBackground(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRemoveBackgroundPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(payload.ExtractTrace(ctx), "worker.remove_background", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
	)
	defer span.End()
	defer func() { s.metrics.observeAttempt(payload.SourceType, outcome, time.Since(startedAt)) }()
	s.metrics.observeQueueWait(payload.RequestedAt, startedAt)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.active.Inc()
	defer func() {
		<-s.sem
		s.metrics.active.Dec()
	}()

	log := s.logger.With(zap.String("job_id", payload.JobID), zap.String("source_type", payload.SourceType))
	log.Info("removing background", zap.String("object_key", payload.ObjectKey))
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	res, resultKey, err := s.process(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "background removal failed")

		permanent := isPermanent(err)
		s.metrics.observeFailure(err, permanent)
		if !permanent && !finalAttempt(ctx) {
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
			return fmt.Errorf("remove background: %w", err)
		}

		log.Error("job failed", zap.Bool("permanent", permanent), zap.Error(err))
		s.failJob(ctx, payload, err)
		if permanent {
			return fmt.Errorf("remove background: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("remove background: %w", err)
	}

	result := domain.JobResult{
		ResultKey: resultKey,
		Width:     res.Width,
		Height:    res.Height,
		Strategy:  res.Strategy,
	}
	if s.jobStore != nil {
		if _, err := s.jobStore.Complete(ctx, payload.JobID, result); err != nil {
			log.Warn("job completion update failed", zap.Error(err))
		}
	}
	s.metrics.pipeline.ObserveResult(res)
	s.recordUsage(ctx, payload.JobID, res, time.Since(startedAt))

	log.Info("background removed",
		zap.String("result_key", resultKey),
		zap.String("strategy", res.Strategy),
		zap.Bool("fallback", res.Fallback),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height),
	)

	s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, webhook.JobEvent{
		JobID:      payload.JobID,
		Status:     domain.JobStatusSucceeded,
		ResultKey:  resultKey,
		Width:      res.Width,
		Height:     res.Height,
		Strategy:   res.Strategy,
		Fallback:   res.Fallback,
		OccurredAt: time.Now().UTC(),
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// process runs fetch, removal and emit for one job.
func (s *Server) process(ctx context.Context, payload queue.RemoveBackgroundPayload) (*segment.Result, string, error) {
	src := Source{JobID: payload.JobID, SourceType: payload.SourceType, ObjectKey: payload.ObjectKey}

	var r route
	switch strings.ToLower(payload.SourceType) {
	case domain.SourceTypeLocalFile:
		r = s.local
	case domain.SourceTypeS3Presigned, domain.SourceTypeInline:
		r = s.object
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedSourceType, payload.SourceType)
	}

	data, err := r.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, "", fmt.Errorf("fetch stage: %w", err)
	}

	res, err := s.remover.RemoveBackground(ctx, data)
	if err != nil {
		return nil, "", fmt.Errorf("segment stage: %w", err)
	}

	key, err := r.emitter.Emit(ctx, src, res.PNG)
	if err != nil {
		return nil, "", fmt.Errorf("emit stage: %w", err)
	}
	return res, key, nil
}

// isPermanent reports failures that retrying the same input cannot fix.
func isPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrUnsupportedSourceType),
		errors.Is(err, ErrStorageDisabled),
		errors.Is(err, storage.ErrObjectTooLarge):
		return true
	}
	kind := segment.KindOf(err)
	return kind != segment.KindUnknown && !kind.Retryable()
}

// finalAttempt reports whether asynq will not retry the running task again.
// Outside an asynq handler every attempt is final.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) failJob(ctx context.Context, payload queue.RemoveBackgroundPayload, cause error) {
	if s.jobStore != nil {
		if _, err := s.jobStore.Fail(ctx, payload.JobID, cause.Error()); err != nil {
			s.logger.Warn("job failure update failed", zap.String("job_id", payload.JobID), zap.Error(err))
		}
	}
	s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, webhook.JobEvent{
		JobID:      payload.JobID,
		Status:     domain.JobStatusFailed,
		Error:      cause.Error(),
		OccurredAt: time.Now().UTC(),
	})
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn("job status update failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

// dispatchWebhook delivers a lifecycle event. Delivery failures are logged;
// the job outcome is already recorded and is not retried for them.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RemoveBackgroundPayload, event string, body webhook.JobEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body)
	s.metrics.observeWebhook(event, err)
	if err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("job_id", payload.JobID), zap.String("event", event), zap.Error(err))
	}
}

func (s *Server) recordUsage(ctx context.Context, jobID string, res *segment.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Warn("usage lookup failed", zap.String("job_id", jobID), zap.Error(err))
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	removal := domain.Removal{
		UserID:      userID,
		JobID:       jobID,
		Strategy:    res.Strategy,
		Fallback:    res.Fallback,
		Width:       res.Width,
		Height:      res.Height,
		SourceBytes: int64(res.SourceBytes),
		OutputBytes: int64(len(res.PNG)),
		ComputeTime: computeDuration,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.usageStore.RecordRemoval(ctx, removal); err != nil {
		s.logger.Warn("removal record write failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	s.metrics.observeRemoval(removal)
}
