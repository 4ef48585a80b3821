package ratelimit

import (
	"math"
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

// Limiter manages one token bucket per key (a location prefix). Buckets
// survive config reloads so a reload does not refill them.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*ratelib.Limiter)}
}

// Allow takes one token from the bucket for key, creating it on first use
// and retuning it when cfg changed. When the bucket is empty it returns
// false and how long until the next token.
func (l *Limiter) Allow(key string, cfg model.RateLimit) (bool, time.Duration) {
	limit := ratelib.Limit(cfg.RequestsPerSecond)
	burst := max(cfg.Burst, 1)

	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		// Double-check
		lim, ok = l.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(limit, burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}

	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}

	now := time.Now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Retain drops the buckets whose key is not in keys.
func (l *Limiter) Retain(keys []string) {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.limiters {
		if _, ok := keep[k]; !ok {
			delete(l.limiters, k)
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// RetryAfterSeconds rounds d up to whole seconds for a Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
