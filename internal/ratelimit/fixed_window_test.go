package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestLimiter(t *testing.T, redis *miniredis.Miniredis, limit int) *FixedWindowLimiter {
	t.Helper()
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "repochat:ratelimit:process", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter
}

func TestFixedWindowLimiterBlocksAtQuota(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter := newTestLimiter(t, redis, 3)

	key := "/api/github/process|203.0.113.9"
	for i := 0; i < 3; i++ {
		if !limiter.Allow(key) {
			t.Fatalf("request %d should be within quota", i+1)
		}
	}
	if limiter.Allow(key) {
		t.Fatal("request over quota should be blocked")
	}
}

func TestFixedWindowLimiterKeysAreIndependent(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter := newTestLimiter(t, redis, 1)

	if !limiter.Allow("/api/github/process|203.0.113.9") {
		t.Fatal("first client should pass")
	}
	if limiter.Allow("/api/github/process|203.0.113.9") {
		t.Fatal("first client should now be blocked")
	}
	if !limiter.Allow("/api/github/process|198.51.100.7") {
		t.Fatal("a different client must not share the window")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter := newTestLimiter(t, redis, 5)
	redis.Close()

	if limiter.Allow("/api/github/process|203.0.113.9") {
		t.Fatal("limiter must deny when redis is unreachable")
	}
}

func TestFixedWindowLimiterConstructorValidation(t *testing.T) {
	cases := []struct {
		addr   string
		limit  int
		window time.Duration
	}{
		{"", 1, time.Minute},
		{"127.0.0.1:6379", 0, time.Minute},
		{"127.0.0.1:6379", 1, 0},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			if _, err := NewRedisFixedWindowLimiter(tc.addr, "", "p", tc.limit, tc.window); err == nil {
				t.Fatal("expected constructor error")
			}
		})
	}
}
