package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiter(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow("alice") || !limiter.Allow("alice") {
		t.Fatal("expected first two calls to be allowed")
	}
	if limiter.Allow("alice") {
		t.Fatal("expected third call to be denied")
	}
	if !limiter.Allow("bob") {
		t.Fatal("expected other keys to keep their own budget")
	}

	now = now.Add(30 * time.Second)
	if limiter.Allow("alice") {
		t.Fatal("expected call within window to still be denied")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow("alice") {
		t.Fatal("expected limiter to permit call after window passes")
	}
}

func TestSlidingWindowLimiterDisabled(t *testing.T) {
	if !NewSlidingWindowLimiter(0, 0, nil).Allow("anyone") {
		t.Fatal("limiter with zero configuration should allow")
	}
}
