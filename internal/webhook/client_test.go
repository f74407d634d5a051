package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSignsPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		req     *http.Request
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		req = r
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{SigningSecret: "test-secret", MaxAttempts: 1}, nil)
	client.now = func() time.Time { return time.Unix(1700000000, 0) }

	err := client.Send(context.Background(), srv.URL, EventJobCompleted, JobEvent{JobID: "job-1", Status: "succeeded", Fallback: true})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	ts := req.Header.Get(HeaderTimestamp)
	sig := req.Header.Get(HeaderSignature)
	assert.Equal(t, "1700000000", ts)
	assert.Equal(t, EventJobCompleted, req.Header.Get(HeaderEvent))
	assert.NotEmpty(t, req.Header.Get(HeaderDelivery))
	assert.Contains(t, string(gotBody), `"job_id":"job-1"`)
	assert.Contains(t, string(gotBody), `"fallback":true`)
	assert.True(t, Verify("test-secret", ts, gotBody, sig))
	assert.False(t, Verify("other-secret", ts, gotBody, sig))
}

func TestSendRetriesWithStableDeliveryID(t *testing.T) {
	var (
		calls atomic.Int32
		mu    sync.Mutex
		ids   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get(HeaderDelivery))
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, nil)
	require.NoError(t, client.Send(context.Background(), srv.URL, EventJobFailed, JobEvent{JobID: "job-2"}))
	assert.Equal(t, int32(3), calls.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 2, InitialBackoff: time.Millisecond}, nil)
	err := client.Send(context.Background(), srv.URL, EventJobFailed, JobEvent{JobID: "job-3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendStopsOnPermanentRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 5, InitialBackoff: time.Millisecond}, nil)
	err := client.Send(context.Background(), srv.URL, EventJobCompleted, JobEvent{JobID: "job-4"})

	var status *StatusError
	require.True(t, errors.As(err, &status), "got %v", err)
	assert.Equal(t, http.StatusGone, status.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendHonorsRetryAfterUpToMaxBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 20 * time.Millisecond}, nil)
	start := time.Now()
	require.NoError(t, client.Send(context.Background(), srv.URL, EventJobCompleted, JobEvent{JobID: "job-5"}))
	elapsed := time.Since(start)

	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestSendWithoutEndpointIsNoop(t *testing.T) {
	client := NewClient(Config{}, nil)
	assert.NoError(t, client.Send(context.Background(), "  ", EventJobCompleted, JobEvent{}))
}

func TestVerifyRequest(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"job_id":"job-6"}`)
	signed := func(ts string, secret string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		r.Header.Set(HeaderTimestamp, ts)
		r.Header.Set(HeaderSignature, Sign(secret, ts, body))
		return r
	}

	got, err := VerifyRequest(signed("1700000000", "s3cret"), "s3cret", time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	_, err = VerifyRequest(signed("1700000000", "wrong"), "s3cret", time.Minute, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyRequest(signed("1699999000", "s3cret"), "s3cret", time.Minute, now)
	assert.ErrorIs(t, err, ErrStaleTimestamp)

	_, err = VerifyRequest(signed("yesterday", "s3cret"), "s3cret", time.Minute, now)
	assert.ErrorIs(t, err, ErrStaleTimestamp)
}
