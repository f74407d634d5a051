package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// Object key layout. Sources live under UploadPrefix until a worker turns
// them into a PNG under ResultPrefix.
const (
	UploadPrefix = "uploads"
	ResultPrefix = "results"

	sourceName = "source"
	resultName = "cutout.png"

	ContentTypePNG = "image/png"
)

var ErrObjectTooLarge = errors.New("object exceeds size limit")

// SourceKey is where the API stores (or asks the client to upload) the image
// for jobID.
func SourceKey(jobID string) string {
	return path.Join(UploadPrefix, jobID, sourceName)
}

// ResultKey is where the worker writes the cut-out for jobID under prefix,
// which defaults to ResultPrefix.
func ResultKey(prefix, jobID string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = ResultPrefix
	}
	return path.Join(prefix, jobID, resultName)
}

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// Region skips the bucket location lookup when set, so presigning works
	// without a round trip to the server.
	Region string
}

// Retention expires objects by prefix, in whole days. Zero keeps objects
// forever.
type Retention struct {
	UploadDays int
	ResultDays int
}

type Client struct {
	minio  *minio.Client
	bucket string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{minio: mc, bucket: cfg.Bucket}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket if needed. A concurrent creator winning the
// race is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		if exists, checkErr := c.minio.BucketExists(ctx, c.bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// ApplyRetention replaces the bucket lifecycle with expiry rules for uploads
// and results. With both durations zero it leaves the bucket untouched.
func (c *Client) ApplyRetention(ctx context.Context, r Retention) error {
	cfg := retentionRules(r)
	if len(cfg.Rules) == 0 {
		return nil
	}
	if err := c.minio.SetBucketLifecycle(ctx, c.bucket, cfg); err != nil {
		return fmt.Errorf("set lifecycle on %s: %w", c.bucket, err)
	}
	return nil
}

func retentionRules(r Retention) *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	add := func(id, prefix string, days int) {
		if days <= 0 {
			return
		}
		cfg.Rules = append(cfg.Rules, lifecycle.Rule{
			ID:         id,
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: prefix + "/"},
			Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
		})
	}
	add("cutout-expire-uploads", UploadPrefix, r.UploadDays)
	add("cutout-expire-results", ResultPrefix, r.ResultDays)
	return cfg
}

func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign put object: %w", err)
	}
	return u.String(), nil
}

// PresignedGetURL signs a download that is served as a PNG attachment named
// after the object.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-type", ContentTypePNG)
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectKey)))
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
}

// IsNotFound reports whether err is S3's answer for a missing key.
func IsNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}

// ReadObject downloads an object. Objects larger than maxBytes are rejected
// with ErrObjectTooLarge, by their stat size before reading and by the bytes
// actually received; zero disables the limit.
func (c *Client) ReadObject(ctx context.Context, objectKey string, maxBytes int64) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	var r io.Reader = obj
	if maxBytes > 0 {
		info, err := obj.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat object %s: %w", objectKey, err)
		}
		if info.Size > maxBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrObjectTooLarge, objectKey, info.Size, maxBytes)
		}
		r = io.LimitReader(obj, maxBytes+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s grew past %d bytes while reading", ErrObjectTooLarge, objectKey, maxBytes)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "private, max-age=3600",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}
