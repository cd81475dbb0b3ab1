// ABOUTME: Per-sender token bucket limiter for inbound pushes
// ABOUTME: Idle senders are pruned so the map stays bounded

package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 3 * time.Minute

type senderLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	senders   map[string]*senderBucket
	lastPrune time.Time
	now       func() time.Time
}

type senderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSenderLimiter allows perMinute pushes per sender with the given burst.
// A non-positive perMinute disables limiting.
func newSenderLimiter(perMinute, burst int) *senderLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &senderLimiter{
		limit:   rate.Limit(perMinute) / 60.0,
		burst:   burst,
		senders: make(map[string]*senderBucket),
		now:     time.Now,
	}
}

func (l *senderLimiter) allow(sender string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastPrune) > time.Minute {
		for k, b := range l.senders {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.senders, k)
			}
		}
		l.lastPrune = now
	}
	b, ok := l.senders[sender]
	if !ok {
		b = &senderBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.senders[sender] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}
