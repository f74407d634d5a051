package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPipelineThresholdHasNoHandle(t *testing.T) {
	cfg := segment.DefaultConfig()
	cfg.Strategy = segment.StrategyThreshold

	p, handle, err := Pipeline(context.Background(), cfg, telemetry.NewPipelineMetrics(), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, handle)
	assert.True(t, p.Ready())
}

func TestPipelineEagerModelFailureFallsBack(t *testing.T) {
	cfg := segment.DefaultConfig()
	cfg.Model.Eager = true

	p, handle, err := Pipeline(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, handle)
	defer handle.Close()

	assert.False(t, p.Ready())
	assert.Equal(t, 1, handle.Loads())
	_, err = handle.Get(context.Background())
	assert.True(t, errors.Is(err, segment.ErrModelUnavailable))
}

func TestPipelineRejectsInvalidConfig(t *testing.T) {
	cfg := segment.DefaultConfig()
	cfg.Quality = 0

	_, _, err := Pipeline(context.Background(), cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestJobStoreDefaultsToMemory(t *testing.T) {
	jobs, closeFn, err := JobStoreFor(context.Background(), config.DatabaseConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, jobs)
	assert.NoError(t, closeFn())
}

func TestStorageDisabled(t *testing.T) {
	client, err := Storage(context.Background(), config.StorageConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestTraceConfigDescribesPipeline(t *testing.T) {
	tracing := config.TracingConfig{ServiceName: "cutout", Exporter: "stdout", SampleRatio: 0.5}

	model := TraceConfig(tracing, "api", segment.DefaultConfig())
	assert.Equal(t, "api", model.Component)
	assert.Equal(t, 0.5, model.SampleRatio)
	assert.Equal(t, "model", model.Attributes["cutout.strategy"])
	assert.Equal(t, segment.DefaultConfig().Model.Name, model.Attributes["cutout.model"])
	assert.NotContains(t, model.Attributes, "cutout.threshold_rule")

	threshold := segment.DefaultConfig()
	threshold.Strategy = segment.StrategyThreshold
	tc := TraceConfig(tracing, "worker", threshold)
	assert.Equal(t, string(threshold.Threshold.Rule), tc.Attributes["cutout.threshold_rule"])
	assert.NotContains(t, tc.Attributes, "cutout.model")
}
