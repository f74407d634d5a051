package worker

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/dunamismax/cutout/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry    *prometheus.Registry
	pipeline    *telemetry.PipelineMetrics
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queueWait   prometheus.Histogram
	active      prometheus.Gauge
	failures    *prometheus.CounterVec
	removals    *prometheus.CounterVec
	pixels      prometheus.Counter
	bytesSaved  prometheus.Counter
	computeMS   prometheus.Counter
	webhooks    *prometheus.CounterVec
}

func newMetrics(pipeline *telemetry.PipelineMetrics) *metrics {
	if pipeline == nil {
		pipeline = telemetry.NewPipelineMetrics()
	}

	m := &metrics{
		registry: prometheus.NewRegistry(),
		pipeline: pipeline,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_worker_jobs_total",
			Help: "Removal job attempts by source type and outcome.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutout_worker_job_duration_seconds",
			Help:    "Wall time of one removal attempt, fetch to emit.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source_type", "status"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cutout_worker_queue_wait_seconds",
			Help:    "Time from job start request to the worker picking it up.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutout_worker_active_jobs",
			Help: "Jobs currently holding a removal slot.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_worker_failures_total",
			Help: "Failed removal attempts by cause and whether they will be retried.",
		}, []string{"cause", "permanent"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_usage_removals_total",
			Help: "Recorded removals by strategy and whether the threshold fallback served them.",
		}, []string{"strategy", "fallback"}),
		pixels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutout_usage_pixels_processed_total",
			Help: "Output pixels across recorded removals.",
		}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutout_usage_bytes_saved_total",
			Help: "Bytes by which cut-outs undercut their uploads.",
		}),
		computeMS: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutout_usage_compute_time_ms_total",
			Help: "Billed compute milliseconds across recorded removals.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_worker_webhook_deliveries_total",
			Help: "Webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.registry.MustRegister(pipeline.Collectors()...)
	m.registry.MustRegister(
		m.jobs,
		m.jobDuration,
		m.queueWait,
		m.active,
		m.failures,
		m.removals,
		m.pixels,
		m.bytesSaved,
		m.computeMS,
		m.webhooks,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeAttempt(sourceType, status string, elapsed time.Duration) {
	m.jobs.WithLabelValues(sourceType, status).Inc()
	m.jobDuration.WithLabelValues(sourceType, status).Observe(elapsed.Seconds())
}

// observeQueueWait ignores payloads without a request time.
func (m *metrics) observeQueueWait(requestedAt, pickedUp time.Time) {
	if requestedAt.IsZero() || pickedUp.Before(requestedAt) {
		return
	}
	m.queueWait.Observe(pickedUp.Sub(requestedAt).Seconds())
}

func (m *metrics) observeFailure(err error, permanent bool) {
	m.failures.WithLabelValues(failureCause(err), strconv.FormatBool(permanent)).Inc()
}

func (m *metrics) observeRemoval(r domain.Removal) {
	m.removals.WithLabelValues(r.Strategy, strconv.FormatBool(r.Fallback)).Inc()
	m.pixels.Add(float64(r.Pixels()))
	m.bytesSaved.Add(float64(r.BytesSaved()))
	m.computeMS.Add(float64(r.ComputeMillis()))
}

func (m *metrics) observeWebhook(event string, err error) {
	outcome := "delivered"
	var status *webhook.StatusError
	switch {
	case errors.As(err, &status) && !status.Temporary():
		outcome = "rejected"
	case err != nil:
		outcome = "failed"
	}
	m.webhooks.WithLabelValues(event, outcome).Inc()
}

// failureCause names the stage-level reason for a failed attempt with a
// bounded label set.
func failureCause(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedSourceType):
		return "unsupported_source"
	case errors.Is(err, ErrStorageDisabled):
		return "storage_disabled"
	case errors.Is(err, storage.ErrObjectTooLarge):
		return "object_too_large"
	}
	return segment.KindOf(err).String()
}
