package webhook

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterSeparatesSources(t *testing.T) {
	rl := NewRateLimiter(WithRate(1, 2))
	now := time.Unix(0, 0)
	for i := 0; i < 2; i++ {
		if !rl.Allow("a", now) {
			t.Fatalf("burst delivery %d rejected", i)
		}
	}
	if rl.Allow("a", now) {
		t.Fatalf("expected source a to be throttled")
	}
	if !rl.Allow("b", now) {
		t.Fatalf("source b should have its own bucket")
	}
	if wait := rl.RetryAfter("a", now); wait <= 0 || wait > time.Second {
		t.Fatalf("unexpected retry after %v", wait)
	}
	if wait := rl.RetryAfter("unknown", now); wait != 0 {
		t.Fatalf("unknown source retry after %v", wait)
	}
}

func TestRateLimiterEvictsIdleSources(t *testing.T) {
	rl := NewRateLimiter(WithRateTTL(time.Minute))
	now := time.Unix(0, 0)
	rl.Allow("a", now)
	rl.Allow("b", now.Add(30*time.Second))
	rl.Allow("c", now.Add(90*time.Second))
	if got := rl.Len(); got != 2 {
		t.Fatalf("expected idle source evicted, tracking %d", got)
	}
}

func TestRateLimiterCap(t *testing.T) {
	rl := NewRateLimiter(WithRateCap(3), WithRateTTL(0))
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		rl.Allow(fmt.Sprintf("src-%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if got := rl.Len(); got != 3 {
		t.Fatalf("expected cap of 3 sources, tracking %d", got)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload")
	sig := Sign("secret", body)
	if !VerifySignature("secret", body, sig) || !VerifySignature("secret", body, "0X"+sig) {
		t.Fatalf("valid signature rejected")
	}
	if VerifySignature("", body, sig) {
		t.Fatalf("empty secret must never verify")
	}
	if VerifySignature("secret", []byte("tampered"), sig) {
		t.Fatalf("tampered body accepted")
	}
}
