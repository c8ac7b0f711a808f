package network

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceLimiter keeps one token bucket per source IP.
type sourceLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

// newSourceLimiter returns nil when perSec is not positive, which allows
// everything.
func newSourceLimiter(perSec float64, burst int) *sourceLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSec)
	}
	return &sourceLimiter{
		limit:   rate.Limit(perSec),
		burst:   max(burst, 1),
		entries: make(map[string]*limiterEntry),
	}
}

func (s *sourceLimiter) allow(ip string, now time.Time) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// cleanup forgets sources idle for longer than idle.
func (s *sourceLimiter) cleanup(now time.Time, idle time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, e := range s.entries {
		if now.Sub(e.lastSeen) > idle {
			delete(s.entries, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	host, _, _ := net.SplitHostPort(addr.String())
	return host
}
