package broker

import (
	"sync"
	"time"

	"github.com/agent-relay/agent-relay/internal/clock"
)

// RateLimiter is a per-sender token bucket. Each sender accrues
// refillPerSec tokens up to burst; a send spends one token. Senders that
// run dry get their frames rejected with rate_limited, nothing is persisted.
type RateLimiter struct {
	clk           clock.Clock
	refillPerSec  float64
	burst         float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func NewRateLimiter(clk clock.Clock, refillPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		clk:          clk,
		refillPerSec: refillPerSec,
		burst:        float64(burst),
		buckets:      make(map[string]*tokenBucket),
	}
}

// Allow spends one token for the sender, reporting whether one was available.
func (l *RateLimiter) Allow(sender string) bool {
	if l.refillPerSec <= 0 {
		return true
	}
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[sender]
	if !ok {
		b = &tokenBucket{tokens: l.burst, last: now}
		l.buckets[sender] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.refillPerSec
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops a sender's bucket, typically on disconnect.
func (l *RateLimiter) Forget(sender string) {
	l.mu.Lock()
	delete(l.buckets, sender)
	l.mu.Unlock()
}
