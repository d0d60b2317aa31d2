package ratelimit

import "sync/atomic"

// ConnLimiter caps concurrent connections. A limit of zero means unlimited.
type ConnLimiter struct {
	limit int64
	inUse atomic.Int64
}

func NewConnLimiter(limit int) *ConnLimiter {
	return &ConnLimiter{limit: int64(max(limit, 0))}
}

// TryAcquire reserves a slot. Every successful call must be paired with
// Release.
func (l *ConnLimiter) TryAcquire() bool {
	for {
		cur := l.inUse.Load()
		if l.limit > 0 && cur >= l.limit {
			return false
		}
		if l.inUse.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (l *ConnLimiter) Release() {
	l.inUse.Add(-1)
}

func (l *ConnLimiter) InUse() int64 {
	return l.inUse.Load()
}
