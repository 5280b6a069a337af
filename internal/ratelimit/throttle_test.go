package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisThrottle(t *testing.T) {
	redis := miniredis.RunT(t)
	th, err := NewRedisThrottle(redis.Addr(), "", "test:throttle", 1, time.Hour)
	if err != nil {
		t.Fatalf("new redis throttle: %v", err)
	}
	ctx := context.Background()
	if !th.Allow(ctx, "@alice:hs") {
		t.Fatalf("first notice should pass")
	}
	if th.Allow(ctx, "@alice:hs") {
		t.Fatalf("second notice within the window should be suppressed")
	}
	if !th.Allow(ctx, "@bob:hs") {
		t.Fatalf("other users are counted separately")
	}
}

func TestRedisThrottleFailsOpen(t *testing.T) {
	redis := miniredis.RunT(t)
	th, err := NewRedisThrottle(redis.Addr(), "", "test:throttle", 1, time.Hour)
	if err != nil {
		t.Fatalf("new redis throttle: %v", err)
	}
	redis.Close()
	if !th.Allow(context.Background(), "@alice:hs") {
		t.Fatalf("throttle should fail open on redis errors")
	}
}

func TestMemoryThrottleResetsOnNextWindow(t *testing.T) {
	th, err := NewMemoryThrottle(1, time.Hour)
	if err != nil {
		t.Fatalf("new memory throttle: %v", err)
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }
	ctx := context.Background()
	if !th.Allow(ctx, "u") || th.Allow(ctx, "u") {
		t.Fatalf("expected one admission per window")
	}
	now = now.Add(time.Hour)
	if !th.Allow(ctx, "u") {
		t.Fatalf("expected admission in the next window")
	}
}

func TestThrottleRequiresParams(t *testing.T) {
	if _, err := NewMemoryThrottle(0, time.Hour); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewRedisThrottle("", "", "", 1, time.Hour); err == nil {
		t.Fatalf("expected error for empty redis addr")
	}
}
