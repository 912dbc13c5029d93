package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/httputil"
	"chatrelay/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RateLimiter allows at most limit events per key in any sliding window.
type RateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	clock       clock.Clock
	events      map[string][]time.Time
	lastCleanup time.Time
}

func NewRateLimiter(limit int, window time.Duration, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.Real()
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		clock:  c,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for key unless the key is over its limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	kept := rl.events[key][:0]
	for _, t := range rl.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.limit {
		rl.events[key] = kept
		return false
	}
	rl.events[key] = append(kept, now)

	if now.Sub(rl.lastCleanup) > rl.window {
		rl.lastCleanup = now
		for k, v := range rl.events {
			if len(v) == 0 || !v[len(v)-1].After(cutoff) {
				delete(rl.events, k)
			}
		}
	}
	return true
}

// Keys returns the number of tracked keys.
func (rl *RateLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.events)
}

// RateLimit rejects requests from a client IP that is over its limit.
func RateLimit(rl *RateLimiter, logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.ClientIP(r)
			if rl.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.IncrementCounter("http_rate_limited_total", nil, "Requests rejected by the rate limiter")
			logger.WithField("path", r.URL.Path).Warn("Rate limit exceeded")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
		})
	}
}
