package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitOpensAfterRateLimits(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("boom"))
	cb.OnError(RateLimitError{Upstream: "avatar"})
	if !cb.Allow() {
		t.Fatalf("one rate limit must not open the circuit")
	}
	cb.OnError(RateLimitError{Upstream: "avatar"})
	if cb.Allow() {
		t.Fatalf("expected open circuit")
	}
	if cb.OpenFor() != time.Minute {
		t.Fatalf("expected full cooldown, got %s", cb.OpenFor())
	}

	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected circuit closed after cooldown")
	}
}

func TestRetryAfterExtendsCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }
	cb.OnError(RateLimitError{RetryAfter: ParseRetryAfter("30")})
	if cb.OpenFor() != 30*time.Second {
		t.Fatalf("expected retry-after cooldown, got %s", cb.OpenFor())
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("success must close the circuit")
	}
}
