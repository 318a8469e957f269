package network

import (
	"net"
	"sync"
	"time"
)

// rateTracker counts events per source IP within a rolling one-second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	lastPrune time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// newRateTracker returns a tracker allowing maxPerSec events per IP. A
// non-positive limit allows everything.
func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		lastPrune: time.Now(),
	}
}

func (rt *rateTracker) allow(ip string) bool {
	if rt.maxPerSec <= 0 {
		return true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	if now.Sub(rt.lastPrune) >= time.Minute {
		for key, b := range rt.counts {
			if now.Sub(b.windowStart) >= time.Second {
				delete(rt.counts, key)
			}
		}
		rt.lastPrune = now
	}

	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// rejectCache remembers refused datagram peers so their retransmissions are
// dropped without re-running admission until the hold-off expires.
type rejectCache struct {
	mu        sync.Mutex
	until     map[string]time.Time
	holdoff   time.Duration
	lastPrune time.Time
}

func newRejectCache(holdoff time.Duration) *rejectCache {
	return &rejectCache{
		until:     make(map[string]time.Time),
		holdoff:   holdoff,
		lastPrune: time.Now(),
	}
}

func (rc *rejectCache) block(key string, now time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.until[key] = now.Add(rc.holdoff)
}

func (rc *rejectCache) blocked(key string, now time.Time) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if now.Sub(rc.lastPrune) >= time.Minute {
		for k, t := range rc.until {
			if !now.Before(t) {
				delete(rc.until, k)
			}
		}
		rc.lastPrune = now
	}

	t, ok := rc.until[key]
	if !ok {
		return false
	}
	if !now.Before(t) {
		delete(rc.until, key)
		return false
	}
	return true
}

func extractIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
