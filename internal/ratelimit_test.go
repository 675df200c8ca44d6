package internal

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	limiter := &rateLimiter{
		store: make(map[string]*rateEntry),
		rps:   1,
		burst: 1,
	}

	if !limiter.allow("client") {
		t.Fatalf("expected first request to be allowed")
	}
	if limiter.allow("client") {
		t.Fatalf("expected second request to be rate limited")
	}

	time.Sleep(1100 * time.Millisecond)

	if !limiter.allow("client") {
		t.Fatalf("expected request after refill to be allowed")
	}
}

// TestRateLimiterIsolatesClients tests that one client exhausting its bucket
// does not affect another.
func TestRateLimiterIsolatesClients(t *testing.T) {
	limiter := &rateLimiter{
		store: make(map[string]*rateEntry),
		rps:   1,
		burst: 1,
	}

	if !limiter.allow("a") {
		t.Fatalf("expected first request from a to be allowed")
	}
	if limiter.allow("a") {
		t.Fatalf("expected second request from a to be limited")
	}
	if !limiter.allow("b") {
		t.Fatalf("expected first request from b to be allowed")
	}
}

// TestRateLimiterSweepsIdleClients tests that buckets idle past the ttl are
// dropped on the next sweep.
func TestRateLimiterSweepsIdleClients(t *testing.T) {
	limiter := &rateLimiter{
		store: make(map[string]*rateEntry),
		rps:   1,
		burst: 1,
		ttl:   time.Minute,
	}

	limiter.allow("idle")
	limiter.store["idle"].last = time.Now().Add(-2 * time.Minute)
	limiter.lastSweep = time.Now().Add(-2 * time.Minute)

	limiter.allow("active")

	if _, ok := limiter.store["idle"]; ok {
		t.Fatalf("expected idle bucket to be swept")
	}
	if _, ok := limiter.store["active"]; !ok {
		t.Fatalf("expected active bucket to remain")
	}
}
