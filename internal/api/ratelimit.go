package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clawinfra/hostgate/internal/security"
)

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per caller. Callers are identified by
// JWT subject, or by remote address when authentication is disabled.
type limiterSet struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
	pruned  time.Time
}

func newLimiterSet(perMinute, burst int) *limiterSet {
	if burst <= 0 {
		burst = max(1, perMinute/6)
	}
	return &limiterSet{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *limiterSet) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.pruned) > limiterIdle {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.entries, k)
			}
		}
		l.pruned = now
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.lim
}

func callerKey(r *http.Request) string {
	if claims, err := security.GetClaims(r); err == nil {
		return "sub:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (l *limiterSet) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.get(callerKey(r)).ReserveN(l.now(), 1)
		if delay := res.DelayFrom(l.now()); delay > 0 {
			res.CancelAt(l.now())
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
