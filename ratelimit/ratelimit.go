/*
Package ratelimit throttles join-code attempts.

Join codes are short, so a caller could enumerate them. Each user gets a
fixed number of join attempts per window, counted in Redis so the limit
holds across server instances.
*/
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/classfund/metrics"
)

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ErrInvalidLimit rejects a limiter that could never allow an attempt.
var ErrInvalidLimit = errors.New("rate limit must be positive")

// Limiter counts attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// =============================================================================
// REDIS LIMITER - fixed window counter
// =============================================================================

type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(ctx context.Context, redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: limit=%d window=%s", ErrInvalidLimit, limit, window)
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLimiter{client: client, limit: limit, window: window, now: time.Now}, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Allow increments the counter for key in the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	windowKey, resetAt := bucket(key, now, l.window)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// bucket returns the Redis key of the window containing now and the time
// that window ends.
func bucket(key string, now time.Time, window time.Duration) (string, time.Time) {
	size := int64(window / time.Second)
	if size < 1 {
		size = 1
	}
	n := now.Unix() / size
	return fmt.Sprintf("classfund:ratelimit:%s:%d", key, n), time.Unix((n+1)*size, 0)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Middleware rejects requests over the limit with 429. keyFunc returns the
// caller key; requests with an empty key pass through. Limiter failures are
// logged and the request is allowed.
func Middleware(limiter Limiter, keyFunc func(r *http.Request) string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				metrics.JoinRateLimited.Inc()
				logger.Warn().
					Str("event", "rate_limit_exceeded").
					Str("key", key).
					Str("path", r.URL.Path).
					Msg("join rate limit exceeded")
				retry := int(time.Until(d.ResetAt).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"too many join attempts"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
