package session

import (
	"sync"
	"time"
)

// tokenBucket implements a refill-then-consume rate limiter: refill()
// adds floor((now-lastRefill)*perSecond) tokens, capped at burst,
// advancing lastRefill only when tokens were actually added;
// tryConsume refills first, then consumes one token if available.
// Refill and consume are mutually exclusive under mu.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	burst      int
	perSecond  int
	lastRefill time.Time
	now        func() time.Time
}

func newTokenBucket(perSecond, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     burst,
		burst:      burst,
		perSecond:  perSecond,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// tryConsume refills the bucket for elapsed time, then consumes one
// token if available. Returns true on success.
func (b *tokenBucket) tryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := int(elapsed.Seconds() * float64(b.perSecond))
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// snapshot returns the current token count without consuming, useful
// for tests and diagnostics.
func (b *tokenBucket) snapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}
