package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/id"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Cutout-Signature"
	HeaderTimestamp = "X-Cutout-Timestamp"
	HeaderEvent     = "X-Cutout-Event"
	// HeaderDelivery is constant across the retries of one event.
	HeaderDelivery = "X-Cutout-Delivery"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"

	maxReceivedBody = 1 << 20
)

var (
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)

// JobEvent is the body delivered for job lifecycle events.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	ResultKey  string    `json:"result_key,omitempty"`
	ResultURL  string    `json:"result_url,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StatusError is a non-2xx answer from the receiver.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status=%d", e.Code)
}

// Temporary reports whether the receiver may accept the same delivery later.
// Other 4xx answers mean the request itself is unwanted.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(cfg.MaxAttempts, 1),
		initialBackoff: initialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, initialBackoff),
		logger:         logger.Named("webhook"),
		now:            time.Now,
	}
}

type delivery struct {
	id        string
	event     string
	timestamp string
	signature string
	body      []byte
}

// Send posts payload as signed JSON to endpoint. Network errors, 5xx, 408
// and 429 are retried with exponential backoff, stretched to the receiver's
// Retry-After up to the configured maximum. An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	d := delivery{
		id:        id.NewRequest(),
		event:     event,
		timestamp: timestamp,
		signature: Sign(c.signingSecret, timestamp, body),
		body:      body,
	}
	log := c.logger.With(zap.String("event", event), zap.String("delivery", d.id))

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = c.post(ctx, endpoint, d)
		if lastErr == nil {
			return nil
		}
		var status *StatusError
		if errors.As(lastErr, &status) && !status.Temporary() {
			return fmt.Errorf("webhook %s rejected: %w", d.id, lastErr)
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := backoff
		if status != nil && status.RetryAfter > wait {
			wait = min(status.RetryAfter, c.maxBackoff)
		}
		log.Warn("webhook delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("webhook %s failed after %d attempts: %w", d.id, c.maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, d delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderDelivery, d.id)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
}

// parseRetryAfter understands the delta-seconds form only.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Sign returns the signature header value for a delivery: an HMAC-SHA256 of
// "<timestamp>.<body>" keyed by secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// VerifyRequest reads and authenticates a delivery on the receiving side.
// Deliveries signed more than tolerance away from now are rejected to limit
// replays.
func VerifyRequest(r *http.Request, secret string, tolerance time.Duration, now time.Time) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReceivedBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	timestamp := r.Header.Get(HeaderTimestamp)
	sent, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrStaleTimestamp, timestamp)
	}
	if skew := now.Sub(time.Unix(sent, 0)).Abs(); skew > tolerance {
		return nil, fmt.Errorf("%w: off by %s", ErrStaleTimestamp, skew)
	}
	if !Verify(secret, timestamp, body, r.Header.Get(HeaderSignature)) {
		return nil, ErrInvalidSignature
	}
	return body, nil
}
