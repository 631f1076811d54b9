package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// userLimiter hands out one token bucket per user. Buckets idle for longer
// than limiterIdleTTL are dropped on the next lookup sweep.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	lastSweep time.Time
}

// newUserLimiter returns nil, meaning unlimited, when rps is not positive.
func newUserLimiter(rps float64, burst int) *userLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *userLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	return l.bucket(userID, time.Now()).Allow()
}

func (l *userLimiter) bucket(userID string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for id, seen := range l.lastSeen {
			if now.Sub(seen) > limiterIdleTTL {
				delete(l.lastSeen, id)
				delete(l.buckets, id)
			}
		}
		l.lastSweep = now
	}

	limiter, ok := l.buckets[userID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.buckets[userID] = limiter
	}
	l.lastSeen[userID] = now
	return limiter
}
