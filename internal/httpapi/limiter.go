package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"librarydesk/internal/actor"
	"librarydesk/internal/web"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per caller. Buckets idle for longer than
// limiterIdleTTL are dropped on the next sweep.
type Limiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[uuid.UUID]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

// NewLimiter allows perMinute requests per caller with the given burst. A
// non-positive perMinute disables limiting.
func NewLimiter(perMinute float64, burst int) *Limiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[uuid.UUID]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether the caller may proceed now.
func (l *Limiter) Allow(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for key, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.entries, key)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[id]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[id] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Middleware answers 429 once the caller's bucket is empty. Anonymous
// requests pass through and are refused by the handler.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := actor.FromContext(r.Context()); ok && !l.Allow(a.UserID) {
			w.Header().Set("Retry-After", "60")
			web.Error(w, http.StatusTooManyRequests, "too many borrow requests, please wait a moment")
			return
		}
		next.ServeHTTP(w, r)
	})
}
