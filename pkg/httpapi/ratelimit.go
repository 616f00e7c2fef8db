package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("rate limit exceeded")

// clientLimiters hands out one token bucket per client address. A client
// may make n requests per window, refilled evenly across it.
type clientLimiters struct {
	mu      sync.Mutex
	n       int
	per     time.Duration
	clients map[string]*clientLimiter
	pruned  time.Time
	now     func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newClientLimiters(n int, per time.Duration) *clientLimiters {
	return &clientLimiters{
		n:       n,
		per:     per,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// allow reports whether ip may make a request now.
func (l *clientLimiters) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(l.per/time.Duration(l.n)), l.n)}
		l.clients[ip] = c
	}
	c.seen = now
	return c.limiter.AllowN(now, 1)
}

// prune drops clients idle for a full window; their bucket is full again.
func (l *clientLimiters) prune(now time.Time) {
	if now.Sub(l.pruned) < l.per {
		return
	}
	for ip, c := range l.clients {
		if now.Sub(c.seen) >= l.per {
			delete(l.clients, ip)
		}
	}
	l.pruned = now
}

// exempt reports whether a request bypasses the limit: health probes and
// clients on private or loopback networks.
func exempt(r *http.Request, ip net.IP) bool {
	if r.URL.Path == "/health" {
		return true
	}
	return ip != nil && (ip.IsPrivate() || ip.IsLoopback())
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *api) limitRequests(next http.Handler) http.Handler {
	limits := a.cfg.rateLimit
	if limits == nil {
		return next
	}
	retryAfter := strconv.Itoa(max(int((limits.per / time.Duration(limits.n)).Seconds()), 1))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if exempt(r, net.ParseIP(ip)) || limits.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		a.cfg.logger.Warn("rate limit exceeded", "client", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", retryAfter)
		a.writeError(w, errRateLimited)
	})
}
