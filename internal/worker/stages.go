package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/storage"
)

const resultFilename = "cutout.png"

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrStorageDisabled       = errors.New("object storage is not configured")
)

// Source identifies the input image of a job.
type Source struct {
	JobID      string
	SourceType string
	ObjectKey  string
}

type Fetcher interface {
	Fetch(ctx context.Context, src Source) ([]byte, error)
}

// Emitter persists a finished cutout and returns the key it was stored under.
type Emitter interface {
	Emit(ctx context.Context, src Source, png []byte) (string, error)
}

// ObjectStorage is the part of the MinIO client the worker needs.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string, maxBytes int64) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type route struct {
	fetcher Fetcher
	emitter Emitter
}

type LocalFileFetcher struct {
	MaxBytes int64
}

func (f LocalFileFetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if !strings.EqualFold(src.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, src.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if f.MaxBytes > 0 {
		info, err := os.Stat(src.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("stat input file %s: %w", src.ObjectKey, err)
		}
		if info.Size() > f.MaxBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", storage.ErrObjectTooLarge, src.ObjectKey, info.Size(), f.MaxBytes)
		}
	}

	data, err := os.ReadFile(src.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", src.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, src Source, png []byte) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(src.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, resultFilename)
	if err := os.WriteFile(fullPath, png, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return fullPath, nil
}

// ObjectStoreFetcher reads s3_presigned uploads and inline images, which the
// API stores in the bucket before enqueueing.
type ObjectStoreFetcher struct {
	Storage  ObjectStorage
	MaxBytes int64
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if f.Storage == nil {
		return nil, ErrStorageDisabled
	}
	if strings.EqualFold(src.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, src.SourceType)
	}
	return f.Storage.ReadObject(ctx, src.ObjectKey, f.MaxBytes)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStorage
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, src Source, png []byte) (string, error) {
	if e.Storage == nil {
		return "", ErrStorageDisabled
	}

	objectKey := ResultKey(e.OutputPrefix, src.JobID)
	if err := e.Storage.WriteObject(ctx, objectKey, png, storage.ContentTypePNG); err != nil {
		return "", err
	}
	return objectKey, nil
}

// ResultKey is the object key a job's cutout is written to.
func ResultKey(prefix, jobID string) string {
	return storage.ResultKey(prefix, sanitizePathToken(jobID))
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
