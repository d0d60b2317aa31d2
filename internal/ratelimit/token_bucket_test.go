package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	for i := 0; i < 5; i++ {
		if !b.Allow(1) {
			t.Fatalf("Allow #%d=false within burst", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("Allow=true on empty bucket")
	}

	clk.Advance(200 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected one token after 200ms at 5/s")
	}
	if b.Allow(1) {
		t.Fatalf("expected exactly one token refilled")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 1)
	if !b.Allow(2) {
		t.Fatalf("initial burst rejected")
	}

	clk.Advance(time.Hour)
	if got := b.Tokens(); got != 2 {
		t.Fatalf("Tokens=%d, want 2", got)
	}
	if b.Allow(3) {
		t.Fatalf("Allow(3) above capacity succeeded")
	}
}

func TestTokenBucket_ClockGoingBackwards(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)
	if !b.Allow(1) {
		t.Fatalf("initial token rejected")
	}

	clk.Advance(-10 * time.Second)
	if b.Allow(1) {
		t.Fatalf("refilled on backwards clock")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill measured from the new reference point")
	}
}

func TestTokenBucket_ZeroRateNeverRefills(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 0)
	if !b.Allow(1) {
		t.Fatalf("initial token rejected")
	}
	clk.Advance(time.Hour)
	if b.Allow(1) {
		t.Fatalf("zero-rate bucket refilled")
	}
	if !b.Allow(0) {
		t.Fatalf("Allow(0) should always succeed")
	}
}

func TestConnLimiter(t *testing.T) {
	t.Parallel()

	l := NewConnLimiter(2)
	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatalf("expected two slots")
	}
	if l.TryAcquire() {
		t.Fatalf("third slot granted with limit 2")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatalf("slot not reusable after Release")
	}
	if got := l.InUse(); got != 2 {
		t.Fatalf("InUse=%d, want 2", got)
	}

	unlimited := NewConnLimiter(0)
	for i := 0; i < 100; i++ {
		if !unlimited.TryAcquire() {
			t.Fatalf("unlimited limiter refused slot %d", i)
		}
	}
}
