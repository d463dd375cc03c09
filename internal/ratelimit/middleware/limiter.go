// Package middleware applies a fixed-window rate limit to the identify
// endpoint, keyed by client IP. Limits are shared across instances through
// Redis; when Redis is down the limiter fails open so reconciliation keeps
// working.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"idlink/internal/transport/http/shared"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/requestcontext"
)

const keyPrefix = "rl:identify:"

// Counter counts hits for a key within the current window. Implementations
// must be safe for concurrent use.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter implements Counter with an INCR + EXPIRE pipeline. The expiry
// is set only on the first hit so the window does not slide.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Limiter is the http middleware. Limit is the number of requests allowed per
// Window for a single client IP.
type Limiter struct {
	counter Counter
	logger  *slog.Logger
	limit   int64
	window  time.Duration
}

func NewLimiter(counter Counter, logger *slog.Logger, limit int64, window time.Duration) *Limiter {
	return &Limiter{counter: counter, logger: logger, limit: limit, window: window}
}

// Handler wraps next with the rate limit check.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := requestcontext.ClientIP(ctx)
		if ip == "" {
			next.ServeHTTP(w, r)
			return
		}

		count, err := l.counter.Incr(ctx, keyPrefix+ip, l.window)
		if err != nil {
			// Fail open: a Redis outage must not take identify down with it.
			l.logger.WarnContext(ctx, "rate limit check failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err.Error(),
			)
			next.ServeHTTP(w, r)
			return
		}

		remaining := l.limit - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > l.limit {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			shared.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
