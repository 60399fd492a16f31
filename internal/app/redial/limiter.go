package redial

import (
	"sync"
	"time"

	"github.com/dkeye/wevibin/internal/domain"
)

// Limiter allows at most limit attempts per peer inside a sliding window.
type Limiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewLimiter(limit int, interval time.Duration) *Limiter {
	return &Limiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (l *Limiter) Allow(peer domain.PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.interval)

	attempts := l.history[peer]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= l.limit {
		l.history[peer] = fresh
		return false
	}
	l.history[peer] = append(fresh, now)
	return true
}

// Forget drops the history of a peer that left.
func (l *Limiter) Forget(peer domain.PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, peer)
}
