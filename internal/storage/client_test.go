package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000", Access: "a", Secret: "b"})
	assert.Error(t, err)
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "uploads/job-1/source", SourceKey("job-1"))
	assert.Equal(t, "results/job-1/cutout.png", ResultKey("", "job-1"))
	assert.Equal(t, "tenant-a/job-1/cutout.png", ResultKey(" /tenant-a/ ", "job-1"))
}

func TestPresignedURLsAreSignedLocally(t *testing.T) {
	c, err := NewClient(Config{
		Endpoint: "localhost:9000",
		Access:   "minioadmin",
		Secret:   "minioadmin",
		Bucket:   "cutout-jobs",
		Region:   "us-east-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cutout-jobs", c.Bucket())

	put, err := c.PresignedPutURL(context.Background(), SourceKey("job-1"), 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.Contains(put, "/cutout-jobs/uploads/job-1/source"), put)

	get, err := c.PresignedGetURL(context.Background(), ResultKey("", "job-1"), time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(get)
	require.NoError(t, err)
	assert.Equal(t, ContentTypePNG, u.Query().Get("response-content-type"))
	assert.Equal(t, `attachment; filename="cutout.png"`, u.Query().Get("response-content-disposition"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestRetentionRules(t *testing.T) {
	assert.Empty(t, retentionRules(Retention{}).Rules)

	cfg := retentionRules(Retention{UploadDays: 1, ResultDays: 7})
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "uploads/", cfg.Rules[0].RuleFilter.Prefix)
	assert.Equal(t, 1, int(cfg.Rules[0].Expiration.Days))
	assert.Equal(t, "results/", cfg.Rules[1].RuleFilter.Prefix)
	assert.Equal(t, 7, int(cfg.Rules[1].Expiration.Days))
	assert.Equal(t, "Enabled", cfg.Rules[1].Status)

	only := retentionRules(Retention{ResultDays: 3})
	require.Len(t, only.Rules, 1)
	assert.Equal(t, "cutout-expire-results", only.Rules[0].ID)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, IsNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, IsNotFound(errors.New("dial tcp: refused")))
}
