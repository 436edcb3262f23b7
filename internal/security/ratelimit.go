package security

import (
	"math"
	"sync"
	"time"
)

// RateLimiter is a token bucket holding at most burst tokens and
// refilling at rate tokens per second. It starts full.
type RateLimiter struct {
	rate  float64
	burst float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
	now    func() time.Time
}

func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
		now:    time.Now,
	}
}

func (r *RateLimiter) refill() {
	now := r.now()
	r.tokens = math.Min(r.burst, r.tokens+now.Sub(r.last).Seconds()*r.rate)
	r.last = now
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// RetryAfter is how long until Allow can next succeed.
func (r *RateLimiter) RetryAfter() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.tokens >= 1 || r.rate <= 0 {
		return 0
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}

// Reset refills the bucket.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = r.burst
	r.last = r.now()
}
