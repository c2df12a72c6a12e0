package app

import (
	"context"
	"testing"
	"time"
)

func TestRedisTransferRateLimiterAllowsWhenDisabled(t *testing.T) {
	cases := []struct {
		name    string
		limiter *RedisTransferRateLimiter
		subject string
	}{
		{name: "nil client", limiter: NewRedisTransferRateLimiter(nil, "test", 10), subject: "p1"},
		{name: "zero limit", limiter: NewRedisTransferRateLimiter(nil, "test", 0), subject: "p1"},
		{name: "blank subject", limiter: NewRedisTransferRateLimiter(nil, "test", 10), subject: "   "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			allowed, retryAfter, err := tc.limiter.Allow(context.Background(), tc.subject)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !allowed {
				t.Fatal("a disabled limiter must allow every transfer")
			}
			if retryAfter != 0 {
				t.Fatalf("expected zero retry delay, got %s", retryAfter)
			}
		})
	}
}

func TestRedisTransferRateLimiterDefaultsPrefix(t *testing.T) {
	limiter := NewRedisTransferRateLimiter(nil, "  ", 10)
	if limiter.prefix != "cardledger:rate_limit" {
		t.Fatalf("expected default prefix, got %q", limiter.prefix)
	}
	limiter = NewRedisTransferRateLimiter(nil, "custom:ns:", 10)
	if limiter.prefix != "custom:ns" {
		t.Fatalf("expected trailing colon trimmed, got %q", limiter.prefix)
	}
	if limiter.window != time.Minute {
		t.Fatalf("expected one-minute window, got %s", limiter.window)
	}
}
