package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/id"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const jobBodyLimit = 1 << 20

type jobResponse struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	SourceType string    `json:"source_type"`
	ObjectKey  string    `json:"object_key"`
	ResultKey  string    `json:"result_key,omitempty"`
	ResultURL  string    `json:"result_url,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	limit := int64(jobBodyLimit)
	if ceiling := s.remover.Config().MaxUploadBytes; ceiling > 0 {
		limit += ceiling + ceiling/3
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(io.LimitReader(r.Body, limit), &req); err != nil {
		writeError(w, newAPIError(http.StatusBadRequest, "INVALID_REQUEST", "Request body is not valid JSON").withDetails(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, newAPIError(http.StatusBadRequest, "INVALID_REQUEST", "Invalid job request").withDetails(err.Error()))
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := req.NormalizedSourceType()
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""
	log := s.logger.With(zap.String("job_id", jobID), zap.String("request_id", requestIDFrom(r.Context())))

	switch sourceType {
	case domain.SourceTypeS3Presigned:
		objectKey = storage.SourceKey(jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			log.Error("generate presigned url failed", zap.Error(err))
			writeError(w, storageError(err, "Failed to generate upload URL"))
			return
		}
		presignedPutURL = url
		uploadState = "ready"

	case domain.SourceTypeInline:
		data, err := decodeImageField(req.Image)
		if err != nil {
			writeError(w, fromPipelineError(err))
			return
		}
		if ceiling := s.remover.Config().MaxUploadBytes; ceiling > 0 && int64(len(data)) > ceiling {
			writeError(w, newAPIError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Image too large").
				withDetails(fmt.Sprintf("%d bytes exceeds limit %d", len(data), ceiling)))
			return
		}
		objectKey = storage.SourceKey(jobID)
		if err := s.storage.WriteObject(r.Context(), objectKey, data, http.DetectContentType(data)); err != nil {
			log.Error("store inline image failed", zap.Error(err))
			writeError(w, storageError(err, "Failed to store image"))
			return
		}
		uploadState = "uploaded"
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		log.Error("create job failed", zap.Error(err))
		writeError(w, newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url":  fmt.Sprintf("/v1/jobs/%s/start", job.ID),
		"status_url": fmt.Sprintf("/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	log := s.logger.With(zap.String("job_id", jobID), zap.String("request_id", requestIDFrom(r.Context())))

	job, ok := s.loadJob(w, r, jobID)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, jobStartedError().withDetails("status is "+job.Status))
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, newAPIError(http.StatusConflict, "SOURCE_MISSING", "Source image is not available").withDetails(err.Error()))
		return
	}

	payload := queue.RemoveBackgroundPayload{
		JobID:       job.ID,
		UserID:      job.UserID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueRemoveBackground(r.Context(), payload)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			writeError(w, jobStartedError())
			return
		}
		log.Error("enqueue failed", zap.Error(err))
		writeError(w, newAPIError(http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Failed to enqueue job"))
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		log.Warn("update status failed", zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r, strings.TrimSpace(r.PathValue("id")))
	if !ok {
		return
	}

	resp := jobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		ObjectKey:  job.ObjectKey,
		ResultKey:  job.ResultKey,
		Width:      job.Width,
		Height:     job.Height,
		Strategy:   job.Strategy,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Status == domain.JobStatusSucceeded && job.SourceType != domain.SourceTypeLocalFile && job.ResultKey != "" {
		url, err := s.storage.PresignedGetURL(r.Context(), job.ResultKey, s.presignTTL)
		if err != nil {
			s.logger.Warn("presign result url failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			resp.ResultURL = url
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, jobID string) (domain.Job, bool) {
	if jobID == "" {
		writeError(w, newAPIError(http.StatusBadRequest, "INVALID_REQUEST", "Job id is required"))
		return domain.Job{}, false
	}
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job"))
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, newAPIError(http.StatusNotFound, "JOB_NOT_FOUND", "Job not found"))
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func storageError(err error, message string) *apiError {
	if errors.Is(err, errStorageUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured")
	}
	return newAPIError(http.StatusBadGateway, "STORAGE_ERROR", message)
}

func jobStartedError() *apiError {
	return newAPIError(http.StatusConflict, "JOB_ALREADY_STARTED", "Job already started")
}
