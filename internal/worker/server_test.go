package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/segment"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/dunamismax/cutout/internal/store"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func TestHandleLocalFileJob(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.png")
	if err := os.WriteFile(input, buildTestPNG(t, 64, 48), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}

	h := newHarness(t, nil)
	h.seed(t, "job-1", domain.SourceTypeLocalFile, input)

	if err := h.server.handleRemoveBackground(context.Background(), h.task(t, "job-1", domain.SourceTypeLocalFile, input)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	job := h.job(t, "job-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", job.Status, job.Error)
	}
	want := filepath.Join(h.outputDir, "job-1", resultFilename)
	if job.ResultKey != want {
		t.Fatalf("expected result key %s, got %s", want, job.ResultKey)
	}
	if job.Width != 64 || job.Height != 48 || job.Strategy != string(segment.StrategyThreshold) {
		t.Fatalf("unexpected result metadata: %+v", job)
	}

	out, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Fatalf("expected transparent corner, alpha=%d", a)
	}

	removals := h.jobs.Removals()
	if len(removals) != 1 || removals[0].UserID != "user-1" || removals[0].Pixels() != 64*48 {
		t.Fatalf("unexpected removals: %+v", removals)
	}
	if got := h.hooks.events(); len(got) != 1 || got[0] != "job.completed" {
		t.Fatalf("expected job.completed webhook, got %v", got)
	}
}

func TestHandleInlineJobUsesObjectStore(t *testing.T) {
	objects := &memoryObjects{data: map[string][]byte{"uploads/job-2/source": buildTestPNG(t, 32, 32)}}
	h := newHarness(t, objects)
	h.seed(t, "job-2", domain.SourceTypeInline, "uploads/job-2/source")

	if err := h.server.handleRemoveBackground(context.Background(), h.task(t, "job-2", domain.SourceTypeInline, "uploads/job-2/source")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	job := h.job(t, "job-2")
	if job.ResultKey != "results/job-2/cutout.png" {
		t.Fatalf("unexpected result key %q", job.ResultKey)
	}
	if _, ok := objects.get("results/job-2/cutout.png"); !ok {
		t.Fatal("expected result object to be written")
	}
}

func TestHandlePermanentFailuresSkipRetry(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.png")
	if err := os.WriteFile(corrupt, []byte("definitely not an image"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	large := filepath.Join(dir, "large.png")
	if err := os.WriteFile(large, make([]byte, 2<<20), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}

	cases := []struct {
		name       string
		sourceType string
		objectKey  string
	}{
		{name: "undecodable", sourceType: domain.SourceTypeLocalFile, objectKey: corrupt},
		{name: "too large", sourceType: domain.SourceTypeLocalFile, objectKey: large},
		{name: "storage disabled", sourceType: domain.SourceTypeS3Presigned, objectKey: "uploads/x"},
		{name: "unknown source", sourceType: "ftp", objectKey: "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.seed(t, "job-3", tc.sourceType, tc.objectKey)

			err := h.server.handleRemoveBackground(context.Background(), h.task(t, "job-3", tc.sourceType, tc.objectKey))
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected SkipRetry, got %v", err)
			}
			if job := h.job(t, "job-3"); job.Status != domain.JobStatusFailed || job.Error == "" {
				t.Fatalf("expected failed job with reason, got %+v", job)
			}
			if got := h.hooks.events(); len(got) != 1 || got[0] != "job.failed" {
				t.Fatalf("expected job.failed webhook, got %v", got)
			}
		})
	}
}

func TestHandleTransientFailureIsRetryable(t *testing.T) {
	objects := &memoryObjects{readErr: errors.New("connection reset")}
	h := newHarness(t, objects)
	h.seed(t, "job-4", domain.SourceTypeS3Presigned, "uploads/job-4/source")

	err := h.server.handleRemoveBackground(context.Background(), h.task(t, "job-4", domain.SourceTypeS3Presigned, "uploads/job-4/source"))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if job := h.job(t, "job-4"); job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed status on the final attempt, got %s", job.Status)
	}
}

func TestHandleMalformedPayload(t *testing.T) {
	h := newHarness(t, nil)
	err := h.server.handleRemoveBackground(context.Background(), asynq.NewTask(queue.TypeRemoveBackground, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestRecordUsageClampsNegativeBytesSaved(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     zap.NewNop(),
		usageStore: usageStore,
		metrics:    newMetrics(nil),
	}

	s.recordUsage(context.Background(), "job-5", &segment.Result{
		PNG:         make([]byte, 200),
		SourceBytes: 100,
		Width:       5,
		Height:      5,
	}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %s", usageStore.log.UserID)
	}
	if got := usageStore.log.BytesSaved(); got != 0 {
		t.Fatalf("expected bytes_saved=0, got %d", got)
	}
	if got := usageStore.log.ComputeMillis(); got < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", got)
	}
}

func TestResultKeySanitizesJobID(t *testing.T) {
	if got := ResultKey("", "../evil id"); got != "results/___evil_id/cutout.png" {
		t.Fatalf("unexpected key %q", got)
	}
}

type harness struct {
	server    *Server
	jobs      *store.MemoryJobStore
	hooks     *captureWebhook
	outputDir string
}

func newHarness(t *testing.T, objects ObjectStorage) *harness {
	t.Helper()

	cfg := segment.DefaultConfig()
	cfg.Strategy = segment.StrategyThreshold
	remover, err := segment.New(cfg, nil)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}

	h := &harness{
		jobs:      store.NewMemoryJobStore(),
		hooks:     &captureWebhook{},
		outputDir: t.TempDir(),
	}
	h.server = newServer(zap.NewNop(), config.WorkerConfig{MaxActiveJobs: 2, LocalOutputDir: h.outputDir}, Deps{
		Remover:        remover,
		MaxSourceBytes: 1 << 20,
		Storage:        objects,
		Webhook:        h.hooks,
		Jobs:           h.jobs,
		Usage:          h.jobs,
	})
	return h
}

func (h *harness) seed(t *testing.T, id, sourceType, objectKey string) {
	t.Helper()
	now := time.Now().UTC()
	if err := h.jobs.Create(context.Background(), domain.Job{
		ID:         id,
		UserID:     "user-1",
		Status:     domain.JobStatusQueued,
		SourceType: sourceType,
		WebhookURL: "https://example.com/hook",
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func (h *harness) task(t *testing.T, id, sourceType, objectKey string) *asynq.Task {
	t.Helper()
	task, err := queue.NewRemoveBackgroundTask(queue.RemoveBackgroundPayload{
		JobID:       id,
		SourceType:  sourceType,
		ObjectKey:   objectKey,
		WebhookURL:  "https://example.com/hook",
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func (h *harness) job(t *testing.T, id string) domain.Job {
	t.Helper()
	job, ok, err := h.jobs.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get job %s: ok=%v err=%v", id, ok, err)
	}
	return job
}

type memoryObjects struct {
	mu      sync.Mutex
	data    map[string][]byte
	readErr error
}

func (m *memoryObjects) ReadObject(_ context.Context, key string, maxBytes int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	data, ok := m.data[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, storage.ErrObjectTooLarge
	}
	return data, nil
}

func (m *memoryObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = data
	return nil
}

func (m *memoryObjects) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	return data, ok
}

type captureWebhook struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureWebhook) Send(_ context.Context, _ string, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *captureWebhook) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type captureUsageStore struct {
	log domain.Removal
}

func (s *captureUsageStore) RecordRemoval(_ context.Context, removal domain.Removal) error {
	s.log = removal
	return nil
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			if x > w/4 && x < w*3/4 && y > h/4 && y < h*3/4 {
				c = color.NRGBA{R: 20, G: 30, B: 40, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
