// Package ratelimit is an in-memory token-bucket limiter keyed by API key or
// client address.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the next token, when not allowed.
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter gives every key a bucket of limit tokens that refills evenly over
// the window. Buckets idle for two windows are evicted.
type Limiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// New starts the eviction goroutine; Stop ends it.
func New(window time.Duration) *Limiter {
	l := newLimiter(window, time.Now)
	go l.evictLoop(5 * time.Minute)
	return l
}

func newLimiter(window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		window:  window,
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
}

// Allow reports whether key may make one more request, taking a token if so.
func (l *Limiter) Allow(key string, limit int) bool {
	return l.Take(key, limit).Allowed
}

// Take is Allow with the bucket state the caller can report back. A limit of
// zero or less is unlimited.
func (l *Limiter) Take(key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: -1}
	}
	capacity := float64(limit)
	perSecond := capacity / l.window.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.seen).Seconds()*perSecond)
	b.seen = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
		return Decision{Limit: limit, RetryAfter: wait}
	}
	b.tokens--
	return Decision{Allowed: true, Limit: limit, Remaining: int(b.tokens)}
}

// Reset forgets key's bucket.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Stop ends the eviction goroutine. The limiter keeps working.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.window)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
