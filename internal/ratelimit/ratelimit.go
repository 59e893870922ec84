package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	// Add tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	// Check if we have tokens available
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

// maxSources bounds the per-source map; past it the map starts over rather
// than letting one scan grow it without limit.
const maxSources = 4096

// Limiter caps how fast local connections are accepted, overall and per
// source host.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perSource map[string]*TokenBucket
	rate      int
	burst     int
}

// New creates a limiter allowing globalRate accepts per second overall and
// perSourceRate per source host, each with the given burst capacity. A
// zero rate disables that check.
func New(globalRate, perSourceRate, burst int) *Limiter {
	l := &Limiter{
		perSource: make(map[string]*TokenBucket),
		rate:      perSourceRate,
		burst:     burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Allow checks if a connection from the given source host can be accepted
// and consumes tokens if so
func (l *Limiter) Allow(source string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	if len(l.perSource) >= maxSources {
		l.perSource = make(map[string]*TokenBucket)
	}
	bucket, exists := l.perSource[source]
	if !exists {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.perSource[source] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}
