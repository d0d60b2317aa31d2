// Package ratelimit holds the relay server's admission limits: a token
// bucket per signaling connection and a cap on concurrent connections.
package ratelimit

import (
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// rate of N tokens/sec adds exactly N nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate without floating point drift.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket holding burst tokens and refilling at
// perSecond tokens/sec.
func NewTokenBucket(clock Clock, burst, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(max(burst, 0))
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      max(perSecond, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow takes n tokens if the bucket holds them. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// Tokens reports the whole tokens currently available.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.available / nanoPerToken
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that steps backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}

	missing := b.capacity - b.available
	if missing <= 0 {
		return
	}
	// elapsed*rate may overflow; compare in the division domain first.
	if elapsed >= missing/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
