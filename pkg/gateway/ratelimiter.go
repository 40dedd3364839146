package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a sliding one-minute window per remote address
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          map[string][]time.Time
	now               func() time.Time
}

// NewRateLimiter creates a limiter. A limit of zero or less disables it.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		requests:          make(map[string][]time.Time),
		now:               time.Now,
	}
}

// Allow records a request from key and reports whether it is within limits
func (r *RateLimiter) Allow(key string) bool {
	if r.requestsPerMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)

	recent := r.requests[key][:0]
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.requestsPerMinute {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Middleware answers 429 once a remote address exceeds the limit
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if !r.Allow(host) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, req)
	})
}
