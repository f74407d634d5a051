package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/ratelimit"
	"go.uber.org/zap"
)

const defaultRateLimitCostUnit = 1 << 20

type RateLimiter interface {
	Take(ctx context.Context, subject string, cost int64) (ratelimit.Decision, error)
}

// withRateLimit charges write routes against a per-user, per-route token
// bucket. Uploads cost one token plus one per started cost unit of body, so
// a burst of large images drains the budget faster than small ones.
// Limiter errors fail open.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, limited := rateLimitedRoute(r)
		if !limited {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if subject == "" {
			subject = "anonymous"
		}
		subject += ":" + route
		cost := requestCost(r.ContentLength, s.rateLimitCostUnit)

		decision, err := s.rateLimiter.Take(r.Context(), subject, cost)
		if err != nil {
			s.logger.Warn("rate limiter check failed", zap.String("subject", subject), zap.Int64("cost", cost), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(decision.ResetAfter)))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Retry-After", strconv.Itoa(max(ceilSeconds(decision.RetryAfter), 1)))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		writeError(w, newAPIError(http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded"))
	})
}

// rateLimitedRoute reports the route label for POSTs that run or queue a
// removal. Reads and health checks are never limited.
func rateLimitedRoute(r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		return "", false
	}
	path := r.URL.Path
	if path == "/remove-background" || strings.HasPrefix(path, "/v1/jobs") {
		return routeLabel(path), true
	}
	return "", false
}

func requestCost(contentLength, unit int64) int64 {
	if unit <= 0 {
		unit = defaultRateLimitCostUnit
	}
	if contentLength <= 0 {
		return 1
	}
	return 1 + (contentLength-1)/unit
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
