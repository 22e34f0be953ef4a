package web

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client request limiter.
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*rateWindow
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter allows maxAttempts per window for each client.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:     make(map[string]*rateWindow),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// Allow records an attempt from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[ip]
	if !ok || now.Sub(w.start) >= rl.window {
		if len(rl.windows) > 1024 {
			rl.pruneLocked(now)
		}
		w = &rateWindow{start: now}
		rl.windows[ip] = w
	}
	if w.count >= rl.maxAttempts {
		return false
	}
	w.count++
	return true
}

// Remaining returns the attempts left for ip and the time until its window resets.
func (rl *RateLimiter) Remaining(ip string) (int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[ip]
	if !ok || now.Sub(w.start) >= rl.window {
		return rl.maxAttempts, 0
	}
	return max(rl.maxAttempts-w.count, 0), rl.window - now.Sub(w.start)
}

// pruneLocked drops expired windows.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	for ip, w := range rl.windows {
		if now.Sub(w.start) >= rl.window {
			delete(rl.windows, ip)
		}
	}
}

// RateLimitMiddleware rejects requests over the limiter's budget with 429.
func RateLimitMiddleware(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)

			if !limiter.Allow(ip) {
				_, resetIn := limiter.Remaining(ip)
				logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path, "reset_in", resetIn)

				w.Header().Set("Retry-After", formatDurationSeconds(resetIn))
				respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":          "rate limit exceeded",
					"retry_after_ms": resetIn.Milliseconds(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// First hop of X-Forwarded-For (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// formatDurationSeconds formats a duration as whole seconds, rounded up, for
// the Retry-After header.
func formatDurationSeconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}
