// Package ratelimit provides the token bucket limiters that protect the
// admin API from clients polling pool state in a tight loop.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	tokens   float64
	lastTime time.Time
	now      func() time.Time
}

// New creates a limiter that refills rate tokens per second up to burst.
func New(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
		lastTime: now(),
		now:      now,
	}
}

// Allow reports whether one request may proceed, consuming a token if so.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN reports whether n requests may proceed at once.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	needed := float64(n)
	if l.tokens >= needed {
		l.tokens -= needed
		return true
	}
	return false
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastTime = now
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// idle reports whether the bucket has been untouched for longer than d and
// would be full by now.
func (l *Limiter) idle(now time.Time, d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	elapsed := now.Sub(l.lastTime)
	return elapsed > d && l.tokens+elapsed.Seconds()*l.rate >= l.capacity
}

// KeyedLimiter keeps one Limiter per key, typically a client IP.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idleTTL  time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewKeyed creates a per-key limiter. Buckets untouched for idleTTL are
// dropped by a background sweep until Close is called.
func NewKeyed(rate float64, burst int, idleTTL time.Duration) *KeyedLimiter {
	kl := newKeyed(rate, burst, idleTTL, time.Now)
	go kl.sweepLoop()
	return kl
}

func newKeyed(rate float64, burst int, idleTTL time.Duration, now func() time.Time) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idleTTL:  idleTTL,
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

// Close stops the background sweep. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() {
		close(kl.stopCh)
	})
}

// Allow reports whether a request for key may proceed.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	limiter, ok := kl.limiters[key]
	if !ok {
		limiter = newLimiter(kl.rate, kl.burst, kl.now)
		kl.limiters[key] = limiter
	}
	kl.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Sweep drops buckets that are full and have been idle for idleTTL and
// returns how many were dropped.
func (kl *KeyedLimiter) Sweep() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()
	dropped := 0
	for key, limiter := range kl.limiters {
		if limiter.idle(now, kl.idleTTL) {
			delete(kl.limiters, key)
			dropped++
		}
	}
	return dropped
}

func (kl *KeyedLimiter) sweepLoop() {
	ticker := time.NewTicker(kl.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			kl.Sweep()
		}
	}
}
