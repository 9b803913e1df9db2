package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	bucketStaleAfter = 24 * time.Hour
	janitorInterval  = 10 * time.Minute
)

// ipRateLimiter hands out one token bucket per client IP. capacity requests
// are allowed per refill window, with bursts up to capacity.
type ipRateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	// protect buckets
	mu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	lim  *rate.Limiter
	last time.Time
}

func newIPRateLimiter(capacity int, refill time.Duration) *ipRateLimiter {
	if capacity < 1 {
		capacity = 1
	}
	rl := &ipRateLimiter{
		limit:   rate.Every(refill / time.Duration(capacity)),
		burst:   capacity,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

func (rl *ipRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.last = now
	return b.lim.AllowN(now, 1)
}

// cleanup drops buckets that have not been used for a day.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-bucketStaleAfter)
	for ip, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *ipRateLimiter) janitor() {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.cleanup()
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
