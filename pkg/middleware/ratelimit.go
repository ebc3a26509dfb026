// Package middleware holds HTTP middleware for the management surface.
// The rate limiter here is keyed by client IP and is distinct from the
// mesh-level per-source gates in pkg/router, which key by NodeId.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-IP rate limiting for the admin HTTP surface.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*clientLimiter
	rps      int
	burst    int
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with
// the given burst per client IP.
func NewRateLimiter(requestsPerSecond, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rps:      requestsPerSecond,
		burst:    burst,
	}
}

// getLimiter returns the limiter for ip, creating one on first sight and
// refreshing its last-seen timestamp either way.
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now()

	rl.mu.RLock()
	cl, exists := rl.limiters[ip]
	rl.mu.RUnlock()

	if exists {
		rl.mu.Lock()
		cl.lastSeen = now
		rl.mu.Unlock()
		return cl.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cl, exists = rl.limiters[ip]; exists {
		cl.lastSeen = now
		return cl.limiter
	}

	cl = &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		lastSeen: now,
	}
	rl.limiters[ip] = cl
	return cl.limiter
}

// Cleanup evicts limiters whose clients have been idle longer than
// maxIdle, returning how many were removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			removed++
		}
	}
	return removed
}

// ClientCount returns the number of tracked client IPs.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// Middleware wraps next with the per-IP rate limit check.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.getLimiter(getClientIP(r)).Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP, preferring proxy headers over the
// raw RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
