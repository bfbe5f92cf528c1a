package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type timedLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// principalLimiter keeps one token bucket per authenticated principal.
type principalLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*timedLimiter
	lastSweep time.Time
	now       func() time.Time
}

// newPrincipalLimiter returns a limiter; rps <= 0 disables limiting.
func newPrincipalLimiter(rps float64, burst int) *principalLimiter {
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &principalLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: map[string]*timedLimiter{},
		now:      time.Now,
	}
}

func (l *principalLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, tl := range l.limiters {
			if now.Sub(tl.lastUsed) > limiterIdleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}
	tl, ok := l.limiters[key]
	if !ok {
		tl = &timedLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = tl
	}
	tl.lastUsed = now
	return tl.limiter
}

// Middleware must run after principal resolution.
func (l *principalLimiter) Middleware(next http.Handler) http.Handler {
	if l.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := l.get(string(principal(r)))
		if !lim.Allow() {
			res := lim.Reserve()
			delay := res.Delay()
			res.Cancel()
			retryAfter := int(math.Ceil(delay.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
