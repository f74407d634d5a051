package telemetry

import (
	"time"

	"github.com/dunamismax/cutout/internal/segment"
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records per-stage latency and outcome of background
// removals. It is shared by the API and the worker; each registers the
// collectors into its own registry.
type PipelineMetrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	results       *prometheus.CounterVec
}

func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutout_pipeline_stage_duration_seconds",
			Help:    "Latency of each background removal stage in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_pipeline_stage_failures_total",
			Help: "Background removal stage failures by error kind.",
		}, []string{"stage", "kind"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_pipeline_results_total",
			Help: "Successful background removals by strategy and whether the threshold fallback was used.",
		}, []string{"strategy", "fallback"}),
	}
}

func (m *PipelineMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.stageDuration, m.stageFailures, m.results}
}

// ObserveStage has the segment.StageObserver signature.
func (m *PipelineMetrics) ObserveStage(stage string, elapsed time.Duration, err error) {
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(stage, segment.KindOf(err).String()).Inc()
	}
}

func (m *PipelineMetrics) ObserveResult(res *segment.Result) {
	if res == nil {
		return
	}
	fallback := "false"
	if res.Fallback {
		fallback = "true"
	}
	m.results.WithLabelValues(res.Strategy, fallback).Inc()
}
