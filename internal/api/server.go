package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/cache"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/store"
	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const serviceName = "cutout"

// Remover is the background-removal pipeline as the HTTP layer sees it.
type Remover interface {
	RemoveBackground(ctx context.Context, data []byte) (*segment.Result, error)
	Config() segment.Config
	Strategy() segment.Strategy
	Fingerprint() string
	Ready() bool
}

// ResultCache stores finished cutouts by cache.Key.
type ResultCache interface {
	Get(ctx context.Context, key string) (*cache.Entry, bool, error)
	Set(ctx context.Context, key string, entry cache.Entry) error
}

type queueEnqueuer interface {
	EnqueueRemoveBackground(ctx context.Context, payload queue.RemoveBackgroundPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// Options configures a Server. Remover is required; Queue and Jobs enable the
// /v1/jobs routes; Storage, Cache and RateLimiter are optional.
type Options struct {
	Logger                *zap.Logger
	Remover               Remover
	Queue                 queueEnqueuer
	Jobs                  store.JobStore
	Storage               objectStorage
	Cache                 ResultCache
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	RateLimitCostUnit     int64
	PipelineMetrics       *telemetry.PipelineMetrics
	Tracer                trace.Tracer
	MaxConcurrent         int
	PresignTTL            time.Duration
	AllowOrigin           string
}

type Server struct {
	logger                *zap.Logger
	remover               Remover
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	cache                 ResultCache
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	rateLimitCostUnit     int64
	tracer                trace.Tracer
	metrics               *metrics
	sem                   chan struct{}
	presignTTL            time.Duration
	allowOrigin           string
	mux                   *http.ServeMux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Remover == nil {
		return nil, errors.New("remover is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	presignTTL := opts.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	storage := opts.Storage
	if storage == nil {
		storage = unavailableObjectStorage{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/dunamismax/cutout/internal/api")
	}
	header := strings.TrimSpace(opts.RateLimitUserIDHeader)
	if header == "" {
		header = "X-User-ID"
	}

	s := &Server{
		logger:                logger.Named("api"),
		remover:               opts.Remover,
		queueClient:           opts.Queue,
		jobStore:              opts.Jobs,
		storage:               storage,
		cache:                 opts.Cache,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		rateLimitCostUnit:     opts.RateLimitCostUnit,
		tracer:                tracer,
		metrics:               newMetrics(opts.PipelineMetrics),
		sem:                   make(chan struct{}, max(1, opts.MaxConcurrent)),
		presignTTL:            presignTTL,
		allowOrigin:           opts.AllowOrigin,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (unavailableObjectStorage) WriteObject(context.Context, string, []byte, string) error {
	return errStorageUnavailable
}

// Handler returns the routes wrapped in CORS, request logging, metrics,
// tracing and rate limiting, outermost first.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withTracing(h)
	h = s.metrics.withHTTPMetrics(h)
	h = s.withRequestLog(h)
	h = s.withCORS(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /remove-background", s.handleRemoveBackground)

	if s.jobStore != nil && s.queueClient != nil {
		s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
		s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
		s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Background removal API",
		"status":  "running",
		"docs":    "POST an image to /remove-background",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"service":  serviceName,
		"strategy": string(s.remover.Strategy()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.remover.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "loading",
			"strategy": string(s.remover.Strategy()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"strategy": string(s.remover.Strategy()),
	})
}

// acquire takes a pipeline slot, giving up when the request goes away.
func (s *Server) acquire(ctx context.Context) (func(), error) {
	waitStart := time.Now()
	select {
	case s.sem <- struct{}{}:
		s.metrics.slotWait.Observe(time.Since(waitStart).Seconds())
		s.metrics.inFlight.Inc()
		return func() {
			<-s.sem
			s.metrics.inFlight.Dec()
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeJSON(body io.Reader, into any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
