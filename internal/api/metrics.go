package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	pipeline          *telemetry.PipelineMetrics
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	inFlight          prometheus.Gauge
	slotWait          prometheus.Histogram
	uploadBytes       *prometheus.HistogramVec
	outputBytes       prometheus.Histogram
	removalErrors     *prometheus.CounterVec
}

// sizeBuckets span 16KiB to 32MiB, covering both upload ceilings.
var sizeBuckets = prometheus.ExponentialBuckets(16<<10, 2, 12)

func newMetrics(pipeline *telemetry.PipelineMetrics) *metrics {
	if pipeline == nil {
		pipeline = telemetry.NewPipelineMetrics()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.MustRegister(pipeline.Collectors()...)

	m := &metrics{
		registry: registry,
		pipeline: pipeline,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutout_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_queue_jobs_enqueued_total",
			Help: "Total jobs enqueued for background removal.",
		}, []string{"queue"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_api_cache_lookups_total",
			Help: "Result cache lookups by outcome.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutout_api_removals_in_flight",
			Help: "Background removals currently running in the API process.",
		}),
		slotWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cutout_api_removal_slot_wait_seconds",
			Help:    "Time a request queued for a free pipeline slot.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		uploadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutout_api_upload_bytes",
			Help:    "Decoded upload sizes by request shape.",
			Buckets: sizeBuckets,
		}, []string{"shape"}),
		outputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cutout_api_output_png_bytes",
			Help:    "Size of returned cut-out PNGs.",
			Buckets: sizeBuckets,
		}),
		removalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_api_removal_errors_total",
			Help: "Rejected or failed /remove-background requests by error code.",
		}, []string{"code"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.cacheLookups,
		m.inFlight,
		m.slotWait,
		m.uploadBytes,
		m.outputBytes,
		m.removalErrors,
	)
	return m
}

func (m *metrics) observeUpload(shape string, size int) {
	m.uploadBytes.WithLabelValues(shape).Observe(float64(size))
}

func (m *metrics) observeCache(outcome string) {
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := newStatusRecorder(w)
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses request paths to bounded label values.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/") && strings.HasSuffix(path, "/start"):
		return "/v1/jobs/{id}/start"
	case strings.HasPrefix(path, "/v1/jobs/"):
		return "/v1/jobs/{id}"
	case path == "/v1/jobs":
		return "/v1/jobs"
	case path == "/", path == "/health", path == "/healthz", path == "/readyz",
		path == "/metrics", path == "/remove-background":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
