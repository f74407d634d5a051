package config

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/segment"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	API       APIConfig
	Pipeline  segment.Config
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Tracing   TracingConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr          string
	MaxConcurrent int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	AllowOrigin   string
	PresignTTL    time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	TaskTimeout   time.Duration
	Retention     time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	MetricsAddr    string
}

type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// Retention in days per key prefix; zero keeps objects forever.
	UploadRetentionDays int
	ResultRetentionDays int
}

type DatabaseConfig struct {
	// DSN selects the Postgres job store. Empty keeps jobs in memory.
	DSN string
}

type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	Window       time.Duration
	UserIDHeader string
	// CostUnitBytes is the upload size charged as one extra token.
	CostUnitBytes int64
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TracingConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type LogConfig struct {
	// Mode is "development" for colored console output or "production" for JSON.
	Mode string
}

// Load reads configuration from the environment, an optional .env file in
// the working directory and an optional YAML file named by CUTOUT_CONFIG.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("CUTOUT_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	base, err := segment.ProfileConfig(v.GetString("PIPELINE_PROFILE"))
	if err != nil {
		return Config{}, err
	}
	setDefaults(v, base)

	cfg := Config{
		API: APIConfig{
			Addr:          apiAddr(v),
			MaxConcurrent: v.GetInt("API_MAX_CONCURRENT"),
			ReadTimeout:   v.GetDuration("API_READ_TIMEOUT"),
			WriteTimeout:  v.GetDuration("API_WRITE_TIMEOUT"),
			AllowOrigin:   v.GetString("CORS_ALLOW_ORIGIN"),
			PresignTTL:    v.GetDuration("PRESIGN_TTL"),
		},
		Pipeline: segment.Config{
			MaxUploadBytes: v.GetInt64("MAX_UPLOAD_BYTES"),
			MaxPixels:      v.GetInt("MAX_IMAGE_PIXELS"),
			Bound: segment.Bound{
				Width:  v.GetInt("MAX_IMAGE_WIDTH"),
				Height: v.GetInt("MAX_IMAGE_HEIGHT"),
			},
			Quality:  v.GetInt("JPEG_QUALITY"),
			Strategy: segment.Strategy(strings.ToLower(v.GetString("SEGMENT_STRATEGY"))),
			Threshold: segment.ThresholdConfig{
				Rule:             segment.Rule(strings.ToLower(v.GetString("THRESHOLD_RULE"))),
				Cutoff:           uint8(clampByte(v.GetInt("THRESHOLD_CUTOFF"))),
				GreenDelta:       uint8(clampByte(v.GetInt("THRESHOLD_GREEN_DELTA"))),
				Refine:           v.GetBool("THRESHOLD_REFINE"),
				RefineIterations: v.GetInt("THRESHOLD_REFINE_ITERATIONS"),
				RefineMargin:     v.GetInt("THRESHOLD_REFINE_MARGIN"),
			},
			Model: segment.ModelConfig{
				Name:     v.GetString("MODEL_NAME"),
				Path:     v.GetString("MODEL_PATH"),
				Endpoint: v.GetString("MODEL_ENDPOINT"),
				Provider: v.GetString("MODEL_PROVIDER"),
				Eager:    v.GetBool("MODEL_EAGER"),
				Timeout:  v.GetDuration("MODEL_TIMEOUT"),
			},
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Name:          v.GetString("ASYNC_QUEUE"),
			MaxRetry:      v.GetInt("ASYNC_MAX_RETRY"),
			TaskTimeout:   v.GetDuration("ASYNC_TASK_TIMEOUT"),
			Retention:     v.GetDuration("ASYNC_RETENTION"),
		},
		Worker: WorkerConfig{
			Concurrency:    v.GetInt("WORKER_CONCURRENCY"),
			MaxActiveJobs:  v.GetInt("WORKER_MAX_ACTIVE_JOBS"),
			LocalOutputDir: v.GetString("WORKER_LOCAL_OUTPUT_DIR"),
			MetricsAddr:    v.GetString("WORKER_METRICS_ADDR"),
		},
		Storage: StorageConfig{
			Enabled:   v.GetBool("MINIO_ENABLED"),
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
			Region:    v.GetString("MINIO_REGION"),

			UploadRetentionDays: v.GetInt("MINIO_UPLOAD_RETENTION_DAYS"),
			ResultRetentionDays: v.GetInt("MINIO_RESULT_RETENTION_DAYS"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("POSTGRES_DSN"),
		},
		Cache: CacheConfig{
			Enabled: v.GetBool("CACHE_ENABLED"),
			TTL:     v.GetDuration("CACHE_TTL"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			Capacity:      v.GetInt("RATE_LIMIT_CAPACITY"),
			Window:        v.GetDuration("RATE_LIMIT_WINDOW"),
			UserIDHeader:  v.GetString("RATE_LIMIT_USER_HEADER"),
			CostUnitBytes: v.GetInt64("RATE_LIMIT_COST_UNIT_BYTES"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  v.GetString("WEBHOOK_SIGNING_SECRET"),
			Timeout:        v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts:    v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("WEBHOOK_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("WEBHOOK_MAX_BACKOFF"),
		},
		Tracing: TracingConfig{
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			Exporter:     v.GetString("OTEL_TRACES_EXPORTER"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			SampleRatio:  v.GetFloat64("OTEL_TRACES_SAMPLER_RATIO"),
		},
		Log: LogConfig{
			Mode: v.GetString("LOG_MODE"),
		},
	}

	if err := cfg.Pipeline.Validate(); err != nil {
		return Config{}, fmt.Errorf("pipeline config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, base segment.Config) {
	cpus := runtime.NumCPU()

	v.SetDefault("API_MAX_CONCURRENT", cpus)
	v.SetDefault("API_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("API_WRITE_TIMEOUT", 2*time.Minute)
	v.SetDefault("CORS_ALLOW_ORIGIN", "*")
	v.SetDefault("PRESIGN_TTL", 15*time.Minute)

	v.SetDefault("MAX_UPLOAD_BYTES", base.MaxUploadBytes)
	v.SetDefault("MAX_IMAGE_PIXELS", base.MaxPixels)
	v.SetDefault("MAX_IMAGE_WIDTH", base.Bound.Width)
	v.SetDefault("MAX_IMAGE_HEIGHT", base.Bound.Height)
	v.SetDefault("JPEG_QUALITY", base.Quality)
	v.SetDefault("SEGMENT_STRATEGY", string(base.Strategy))
	v.SetDefault("THRESHOLD_RULE", string(base.Threshold.Rule))
	v.SetDefault("THRESHOLD_CUTOFF", int(base.Threshold.Cutoff))
	v.SetDefault("THRESHOLD_GREEN_DELTA", int(base.Threshold.GreenDelta))
	v.SetDefault("THRESHOLD_REFINE", base.Threshold.Refine)
	v.SetDefault("THRESHOLD_REFINE_ITERATIONS", base.Threshold.RefineIterations)
	v.SetDefault("THRESHOLD_REFINE_MARGIN", base.Threshold.RefineMargin)
	v.SetDefault("MODEL_NAME", base.Model.Name)
	v.SetDefault("MODEL_PROVIDER", base.Model.Provider)
	v.SetDefault("MODEL_EAGER", base.Model.Eager)
	v.SetDefault("MODEL_TIMEOUT", base.Model.Timeout)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNC_QUEUE", "default")
	v.SetDefault("ASYNC_MAX_RETRY", 5)
	v.SetDefault("ASYNC_TASK_TIMEOUT", 3*time.Minute)
	v.SetDefault("ASYNC_RETENTION", 24*time.Hour)

	v.SetDefault("WORKER_CONCURRENCY", max(2, cpus))
	v.SetDefault("WORKER_MAX_ACTIVE_JOBS", max(1, cpus/2))
	v.SetDefault("WORKER_LOCAL_OUTPUT_DIR", "./.cutout-output")
	v.SetDefault("WORKER_METRICS_ADDR", ":9091")

	v.SetDefault("MINIO_ENABLED", true)
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET", "cutout-jobs")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("MINIO_REGION", "us-east-1")
	v.SetDefault("MINIO_UPLOAD_RETENTION_DAYS", 1)
	v.SetDefault("MINIO_RESULT_RETENTION_DAYS", 7)

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", 24*time.Hour)

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_CAPACITY", 30)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_USER_HEADER", "X-User-ID")
	v.SetDefault("RATE_LIMIT_COST_UNIT_BYTES", 1<<20)

	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 4)
	v.SetDefault("WEBHOOK_INITIAL_BACKOFF", time.Second)
	v.SetDefault("WEBHOOK_MAX_BACKOFF", 15*time.Second)

	v.SetDefault("OTEL_SERVICE_NAME", "cutout")
	v.SetDefault("OTEL_TRACES_EXPORTER", "none")
	v.SetDefault("OTEL_TRACES_SAMPLER_RATIO", 1.0)

	v.SetDefault("LOG_MODE", "production")
}

// apiAddr honors PORT for platforms that inject it.
func apiAddr(v *viper.Viper) string {
	if addr := strings.TrimSpace(v.GetString("CUTOUT_API_ADDR")); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(v.GetString("PORT")); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return ":8080"
}

func clampByte(v int) int {
	return min(max(v, 0), 255)
}
