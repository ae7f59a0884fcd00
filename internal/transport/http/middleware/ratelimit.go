package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hwconfirm/internal/httputil"
	"hwconfirm/internal/model"
)

const (
	// DefaultBurst allows a few quick retries above the sustained rate
	DefaultBurst = 3

	limiterMaxIdle         = 30 * time.Minute
	limiterCleanupInterval = 10 * time.Minute
)

// RateLimiter is a token bucket per authenticated user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	limit    rate.Limit
	burst    int
	perMin   int

	stop chan struct{}
}

// NewRateLimiter allows requestsPerMinute sustained with the given burst.
// Call Stop to end the idle cleanup loop.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = DefaultBurst
	}
	l := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
		perMin:   requestsPerMinute,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether userID may make another request now.
func (l *RateLimiter) Allow(userID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = limiter
	}
	l.lastSeen[userID] = time.Now()
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *RateLimiter) Stop() {
	close(l.stop)
}

func (l *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *RateLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, seen := range l.lastSeen {
		if now.Sub(seen) > limiterMaxIdle {
			delete(l.limiters, id)
			delete(l.lastSeen, id)
		}
	}
}

// Middleware must run after AuthMiddleware; requests are keyed by user id.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserIDFromContext(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w, "Authentication required")
			return
		}

		if !l.Allow(userID) {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMin))
			w.Header().Set("Retry-After", "60")
			httputil.WriteError(w, http.StatusTooManyRequests, model.CodeRateLimited, "Too many confirmation requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
