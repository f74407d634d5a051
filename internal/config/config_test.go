package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/cutout/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, segment.DefaultConfig().Fingerprint(), cfg.Pipeline.Fingerprint())
	assert.Equal(t, int64(10<<20), cfg.Pipeline.MaxUploadBytes)
	assert.Equal(t, segment.StrategyModel, cfg.Pipeline.Strategy)
	assert.Equal(t, "u2netp", cfg.Pipeline.Model.Name)
	assert.Equal(t, "localhost:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadLiteProfileWithOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PIPELINE_PROFILE", "lite")
	t.Setenv("JPEG_QUALITY", "60")
	t.Setenv("SEGMENT_STRATEGY", "threshold")
	t.Setenv("THRESHOLD_RULE", "greenscreen")
	t.Setenv("PORT", "5000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.API.Addr)
	assert.Equal(t, int64(2<<20), cfg.Pipeline.MaxUploadBytes)
	assert.Equal(t, segment.Bound{Width: 512, Height: 512}, cfg.Pipeline.Bound)
	assert.Equal(t, 60, cfg.Pipeline.Quality)
	assert.Equal(t, segment.StrategyThreshold, cfg.Pipeline.Strategy)
	assert.Equal(t, segment.RuleGreenScreen, cfg.Pipeline.Threshold.Rule)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MODEL_ENDPOINT=http://rembg:7000\nCACHE_ENABLED=false\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() {
		os.Unsetenv("MODEL_ENDPOINT")
		os.Unsetenv("CACHE_ENABLED")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://rembg:7000", cfg.Pipeline.Model.Endpoint)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cutout.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_image_width: 640\nmax_image_height: 480\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("CUTOUT_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, segment.Bound{Width: 640, Height: 480}, cfg.Pipeline.Bound)
}

func TestLoadRejectsInvalidPipeline(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JPEG_QUALITY", "0")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("JPEG_QUALITY", "80")
	t.Setenv("PIPELINE_PROFILE", "enormous")
	_, err = Load()
	assert.Error(t, err)
}
