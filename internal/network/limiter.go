package network

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultLimiterIPs  = 4096
	limiterIdleTimeout = time.Minute
)

// RateLimiter is a token bucket per source IP. The set of tracked IPs is
// bounded; idle entries go first, then the least recently seen.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	maxIPs  int
	entries map[netip.Addr]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(perSecond float64, burst, maxIPs int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if maxIPs <= 0 {
		maxIPs = DefaultLimiterIPs
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		maxIPs:  maxIPs,
		entries: make(map[netip.Addr]*limiterEntry),
		now:     time.Now,
	}
}

func (l *RateLimiter) Allow(ip netip.Addr) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	ent, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= l.maxIPs {
			l.evictLocked(now)
		}
		ent = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = ent
	}
	ent.seen = now
	return ent.lim.AllowN(now, 1)
}

func (l *RateLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *RateLimiter) evictLocked(now time.Time) {
	var oldest netip.Addr
	var oldestSeen time.Time
	for ip, ent := range l.entries {
		if now.Sub(ent.seen) > limiterIdleTimeout {
			delete(l.entries, ip)
			continue
		}
		if oldestSeen.IsZero() || ent.seen.Before(oldestSeen) {
			oldest, oldestSeen = ip, ent.seen
		}
	}
	if len(l.entries) >= l.maxIPs && oldest.IsValid() {
		delete(l.entries, oldest)
	}
}
