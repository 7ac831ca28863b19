package limits

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// idleTTL evicts limiter state for addresses with no traffic. A fresh bucket
// starts full, so eviction can only be more permissive, never less.
const idleTTL = 10 * time.Minute

// MessageLimiter applies a token bucket per client address to inbound
// WebSocket frames. Buckets live in a TTL-evicting cache so one-off
// addresses do not accumulate.
type MessageLimiter struct {
	buckets *expirable.LRU[string, *rate.Limiter]
	rate    rate.Limit
	burst   int
}

func NewMessageLimiter(perSec float64, burst int) *MessageLimiter {
	return &MessageLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](4096, nil, idleTTL),
		rate:    rate.Limit(perSec),
		burst:   burst,
	}
}

// Allow reports whether a frame from addr fits the address's bucket.
func (l *MessageLimiter) Allow(addr string) bool {
	limiter, ok := l.buckets.Get(addr)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.buckets.Add(addr, limiter)
	}
	return limiter.Allow()
}
