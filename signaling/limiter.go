package signaling

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// keyLimiter applies one token bucket per key and evicts idle entries.
type keyLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyLimiter returns nil when rps or burst is not positive, which disables
// limiting.
func newKeyLimiter(rps float64, burst int) *keyLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &keyLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		byKey: make(map[string]*limiterEntry),
	}
}

func (l *keyLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-limiterIdleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return e.limiter
}

// Allow reports whether one token is available for key now.
func (l *keyLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}
	return l.get(key, now).AllowN(now, 1)
}

// Limiter returns the bucket for key, or nil when limiting is disabled.
func (l *keyLimiter) Limiter(key string) *rate.Limiter {
	if l == nil {
		return nil
	}
	return l.get(key, time.Now())
}
