package security

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket: capacity burst, refilled continuously at
// rate per second. An explicit Block overrides the bucket until its
// deadline passes.
type RateLimiter struct {
	mu      sync.Mutex
	perSec  float64
	cap     float64
	avail   float64
	filled  time.Time
	blocked time.Time
}

// NewRateLimiter returns a full bucket sustaining rate operations per
// second with bursts up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		perSec: rate,
		cap:    float64(burst),
		avail:  float64(burst),
		filled: time.Now(),
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.blocked) {
		return false
	}

	r.avail = min(r.avail+now.Sub(r.filled).Seconds()*r.perSec, r.cap)
	r.filled = now

	if r.avail < 1 {
		return false
	}
	r.avail--
	return true
}

// Block rejects everything until d passes, regardless of tokens.
func (r *RateLimiter) Block(d time.Duration) {
	r.mu.Lock()
	r.blocked = time.Now().Add(d)
	r.mu.Unlock()
}

// Reset refills the bucket and clears any block.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.avail = r.cap
	r.filled = time.Now()
	r.blocked = time.Time{}
	r.mu.Unlock()
}

// KeyRateLimiter applies an independent token bucket per key. The report
// endpoint keys it by exam attempt so one noisy client cannot starve the
// rest. Idle buckets are dropped by a background sweep.
type KeyRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
	idle     time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewKeyRateLimiter creates a per-key rate limiter. idle is both the
// sweep interval and how long an untouched bucket survives.
func NewKeyRateLimiter(rate float64, burst int, idle time.Duration) *KeyRateLimiter {
	krl := &KeyRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		done:     make(chan struct{}),
	}

	go krl.sweepLoop()

	return krl
}

// Allow checks if an operation for the given key is allowed.
func (krl *KeyRateLimiter) Allow(key string) bool {
	krl.mu.Lock()
	limiter, ok := krl.limiters[key]
	if !ok {
		limiter = NewRateLimiter(krl.rate, krl.burst)
		krl.limiters[key] = limiter
	}
	krl.mu.Unlock()

	return limiter.Allow()
}

// Close stops the background sweep.
func (krl *KeyRateLimiter) Close() {
	krl.once.Do(func() { close(krl.done) })
}

func (krl *KeyRateLimiter) sweepLoop() {
	ticker := time.NewTicker(krl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-krl.done:
			return
		case <-ticker.C:
			krl.dropIdle()
		}
	}
}

func (krl *KeyRateLimiter) dropIdle() {
	krl.mu.Lock()
	defer krl.mu.Unlock()

	now := time.Now()
	for key, limiter := range krl.limiters {
		limiter.mu.Lock()
		if now.Sub(limiter.filled) > krl.idle {
			delete(krl.limiters, key)
		}
		limiter.mu.Unlock()
	}
}
