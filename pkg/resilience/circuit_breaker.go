package resilience

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is an upstream 429 response.
type RateLimitError struct {
	Upstream   string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	msg := "upstream rate limited"
	if e.Upstream != "" {
		msg = e.Upstream + " rate limited"
	}
	if e.RetryAfter > 0 {
		msg += " (retry after " + e.RetryAfter.String() + ")"
	}
	return msg
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// CircuitBreaker blocks upstream calls after repeated rate limit failures.
// Other failures do not count.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

// OpenFor returns the remaining cooldown, zero when closed.
func (c *CircuitBreaker) OpenFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.openUntil.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.threshold {
		return
	}
	cooldown := c.cooldown
	if rl.RetryAfter > cooldown {
		cooldown = rl.RetryAfter
	}
	c.openUntil = c.now().Add(cooldown)
	c.failures = 0
}
