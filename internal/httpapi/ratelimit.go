package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter hands out one token bucket per client IP. Idle entries are
// dropped so the map does not grow with every client ever seen.
type ipLimiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perSec, burst int) *ipLimiter {
	if burst <= 0 {
		burst = perSec
	}
	return &ipLimiter{
		perSec:  rate.Limit(perSec),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[host]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(l.perSec, l.burst)}
		l.clients[host] = c
	}
	c.seen = now
	if len(l.clients) > 1024 {
		l.evictIdleLocked(now)
	}
	return c.lim.Allow()
}

func (l *ipLimiter) evictIdleLocked(now time.Time) {
	for host, c := range l.clients {
		if now.Sub(c.seen) > 10*time.Minute {
			delete(l.clients, host)
		}
	}
}

// middleware rejects over-limit requests with 429. A nil limiter passes
// everything through.
func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
