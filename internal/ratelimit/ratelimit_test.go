package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterBudget(t *testing.T) {
	l := NewMemoryLimiter(20, time.Minute)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := l.Allow(ctx, "auth:login:1.2.3.4"); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i+1, err)
		}
	}
	if err := l.Allow(ctx, "auth:login:1.2.3.4"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit on request 21, got %v", err)
	}

	// Other keys keep their own budget.
	if err := l.Allow(ctx, "auth:login:5.6.7.8"); err != nil {
		t.Fatalf("independent key limited: %v", err)
	}
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	current := time.Now()
	l.now = func() time.Time { return current }
	ctx := context.Background()

	if err := l.Allow(ctx, "key"); err != nil {
		t.Fatalf("first request limited: %v", err)
	}
	if err := l.Allow(ctx, "key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limit inside window, got %v", err)
	}

	current = current.Add(time.Minute)
	if err := l.Allow(ctx, "key"); err != nil {
		t.Fatalf("request after window elapsed limited: %v", err)
	}
}

func TestRedisLimiterBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	l := NewRedisLimiter(cache, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Allow(ctx, "key"); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i+1, err)
		}
	}
	if err := l.Allow(ctx, "key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit on request 4, got %v", err)
	}

	if ttl := mr.TTL("ratelimit:v1:key"); ttl != time.Minute {
		t.Fatalf("expected window expiry on counter, got %v", ttl)
	}
}

func TestRedisLimiterWindowReset(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	l := NewRedisLimiter(cache, 1, time.Minute)
	ctx := context.Background()

	if err := l.Allow(ctx, "key"); err != nil {
		t.Fatalf("first request limited: %v", err)
	}
	if err := l.Allow(ctx, "key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limit inside window, got %v", err)
	}

	mr.FastForward(time.Minute)
	if err := l.Allow(ctx, "key"); err != nil {
		t.Fatalf("request after window elapsed limited: %v", err)
	}
}

func TestRedisLimiterFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiter(cache, 1, time.Minute)

	cache.Close()
	if err := l.Allow(context.Background(), "key"); err == nil {
		t.Fatal("expected error when cache is unreachable")
	}
}
