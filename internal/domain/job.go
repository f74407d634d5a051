package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
	SourceTypeInline      = "inline"
)

// CreateJobRequest asks for an asynchronous background removal. Inline jobs
// carry the image as base64 (optionally a data URI) in Image.
type CreateJobRequest struct {
	SourceType string `json:"source_type"`
	WebhookURL string `json:"webhook_url,omitempty"`
	ObjectKey  string `json:"object_key,omitempty"`
	Image      string `json:"image,omitempty"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	ObjectKey  string
	ResultKey  string
	Width      int
	Height     int
	Strategy   string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobResult is what a successful removal records on its job.
type JobResult struct {
	ResultKey string
	Width     int
	Height    int
	Strategy  string
}

func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func (r CreateJobRequest) NormalizedSourceType() string {
	return strings.ToLower(strings.TrimSpace(r.SourceType))
}

func (r CreateJobRequest) Validate() error {
	sourceType := r.NormalizedSourceType()
	if sourceType == "" {
		return errors.New("source_type is required")
	}

	switch sourceType {
	case SourceTypeLocalFile:
		if strings.TrimSpace(r.ObjectKey) == "" {
			return errors.New("object_key is required for source_type=local_file")
		}
	case SourceTypeS3Presigned:
		if r.Image != "" {
			return errors.New("image must be uploaded to the presigned URL for source_type=s3_presigned")
		}
	case SourceTypeInline:
		if strings.TrimSpace(r.Image) == "" {
			return errors.New("image is required for source_type=inline")
		}
	default:
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}

	if webhook := strings.TrimSpace(r.WebhookURL); webhook != "" {
		u, err := url.Parse(webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL: %s", r.WebhookURL)
		}
	}
	return nil
}
