package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucket keeps one golang.org/x/time/rate limiter per key and drops
// keys idle for longer than idleTTL.
type TokenBucket struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	lastGC   time.Time
	visitors map[string]*visitor
}

// NewTokenBucket admits rps events per second per key with the given burst.
func NewTokenBucket(rps float64, burst int, idleTTL time.Duration) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &TokenBucket{
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (b *TokenBucket) Allow(_ context.Context, key string) (Decision, error) {
	now := b.now()

	b.mu.Lock()
	if now.Sub(b.lastGC) > b.idleTTL {
		for k, v := range b.visitors {
			if now.Sub(v.lastSeen) > b.idleTTL {
				delete(b.visitors, k)
			}
		}
		b.lastGC = now
	}
	v, ok := b.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.visitors[key] = v
	}
	v.lastSeen = now
	b.mu.Unlock()

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Limit: b.burst}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Limit: b.burst, ResetAt: now.Add(delay)}, nil
	}
	return Decision{Allowed: true, Limit: b.burst, Remaining: int(v.limiter.TokensAt(now))}, nil
}

// Len reports the number of tracked keys.
func (b *TokenBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.visitors)
}
