package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited signals that the caller exhausted its request budget for the
// current window.
var ErrRateLimited = errors.New("too many requests, please try again shortly")

const (
	// DefaultMaxRequests is the fixed-window request budget per key.
	DefaultMaxRequests = 20
	// DefaultWindow is the fixed-window duration.
	DefaultWindow = time.Minute
)

// Limiter bounds request rate per key. Implementations share one contract so
// the in-process limiter and the Redis-backed limiter are interchangeable.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local fixed-window counter. Correct for a
// single instance and for tests; horizontal deployments need RedisLimiter
// so all instances share one counter.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]windowEntry
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewMemoryLimiter builds an in-process limiter. Non-positive arguments fall
// back to the defaults.
func NewMemoryLimiter(maxRequests int, window time.Duration) *MemoryLimiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{
		entries: make(map[string]windowEntry),
		max:     maxRequests,
		window:  window,
		now:     time.Now,
	}
}

// Allow increments the window counter for key. The first call, or the first
// call after the window elapsed, resets the window with a count of one.
func (l *MemoryLimiter) Allow(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		l.entries[key] = windowEntry{count: 1, resetAt: now.Add(l.window)}
		return nil
	}

	if entry.count >= l.max {
		return ErrRateLimited
	}

	entry.count++
	l.entries[key] = entry
	return nil
}

// RedisLimiter is a fixed-window counter shared across instances through a
// Redis INCR with a window-length expiry.
type RedisLimiter struct {
	cache  *redis.Client
	max    int
	window time.Duration
}

// NewRedisLimiter builds a Redis-backed limiter with the same contract as
// MemoryLimiter.
func NewRedisLimiter(cache *redis.Client, maxRequests int, window time.Duration) *RedisLimiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{cache: cache, max: maxRequests, window: window}
}

// Allow increments the shared counter for key, starting the window expiry on
// first use. Cache errors fail closed: a broken limiter must not disable
// throttling on authentication endpoints.
func (l *RedisLimiter) Allow(ctx context.Context, key string) error {
	cacheKey := "ratelimit:v1:" + key
	count, err := l.cache.Incr(ctx, cacheKey).Result()
	if err != nil {
		return fmt.Errorf("rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.cache.Expire(ctx, cacheKey, l.window).Err(); err != nil {
			return fmt.Errorf("rate limit window: %w", err)
		}
	}
	if count > int64(l.max) {
		return ErrRateLimited
	}
	return nil
}
