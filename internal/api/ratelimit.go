package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterTTL           = 10 * time.Minute
	limiterCleanupPeriod = time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ownerLimiter keeps one token bucket per owner. A zero rate disables
// limiting.
type ownerLimiter struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rps          float64
	burst        int
	startCleanup sync.Once
	stopOnce     sync.Once
	stopCh       chan struct{}
	now          func() time.Time
}

func newOwnerLimiter(rps float64, burst int) *ownerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ownerLimiter{
		entries: map[string]*limiterEntry{},
		rps:     rps,
		burst:   burst,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

func (l *ownerLimiter) Allow(owner string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	return l.get(owner).Allow()
}

func (l *ownerLimiter) get(owner string) *rate.Limiter {
	l.startCleanup.Do(func() {
		go l.cleanupLoop()
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[owner]; ok {
		entry.lastSeen = l.now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.entries[owner] = &limiterEntry{limiter: limiter, lastSeen: l.now()}
	return limiter
}

func (l *ownerLimiter) Shutdown() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *ownerLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ownerLimiter) evictIdle() {
	cutoff := l.now().Add(-limiterTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for owner, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, owner)
		}
	}
}

// ownerKey prefers the explicit owner, then the X-Owner-ID header, then the
// client address.
func ownerKey(r *http.Request, owner string) string {
	if owner = strings.TrimSpace(owner); owner != "" {
		return owner
	}
	if header := strings.TrimSpace(r.Header.Get("X-Owner-ID")); header != "" {
		return header
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
