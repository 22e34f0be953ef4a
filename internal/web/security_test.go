package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for the rate limiter.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(maxAttempts int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(maxAttempts, window)
	rl.now = clock.Now
	return rl, clock
}

// --- RateLimiter tests ---

func TestRateLimiter_BlocksAtLimit(t *testing.T) {
	rl, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond limit should be blocked")
	}
}

func TestRateLimiter_ResetsAfterWindow(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Fatal("should be blocked after exhausting limit")
	}

	clock.Advance(59 * time.Second)
	if rl.Allow("10.0.0.1") {
		t.Fatal("should still be blocked inside the window")
	}

	clock.Advance(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("should be allowed after window expires")
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	rl, clock := newTestLimiter(5, time.Minute)

	remaining, resetIn := rl.Remaining("unknown-ip")
	if remaining != 5 || resetIn != 0 {
		t.Errorf("unknown IP: remaining=%d resetIn=%v, want 5, 0", remaining, resetIn)
	}

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	clock.Advance(20 * time.Second)

	remaining, resetIn = rl.Remaining("10.0.0.1")
	if remaining != 3 {
		t.Errorf("expected 3 remaining, got %d", remaining)
	}
	if resetIn != 40*time.Second {
		t.Errorf("resetIn = %v, want 40s", resetIn)
	}

	clock.Advance(time.Minute)
	remaining, resetIn = rl.Remaining("10.0.0.1")
	if remaining != 5 || resetIn != 0 {
		t.Errorf("after expiry: remaining=%d resetIn=%v, want 5, 0", remaining, resetIn)
	}
}

func TestRateLimiter_IndependentIPs(t *testing.T) {
	rl, _ := newTestLimiter(2, time.Minute)

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Fatal("IP A should be blocked")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("IP B should be allowed independently of IP A")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl, _ := newTestLimiter(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Allow("10.0.0.1")
			rl.Remaining("10.0.0.1")
		}()
	}
	wg.Wait()

	remaining, _ := rl.Remaining("10.0.0.1")
	if remaining != 50 {
		t.Errorf("expected 50 remaining after 50 concurrent requests, got %d", remaining)
	}
}

// --- RateLimitMiddleware tests ---

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rl, _ := newTestLimiter(2, time.Minute)

	wrapped := RateLimitMiddleware(rl, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("request %d should pass, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body should be valid JSON: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Errorf("error = %v", body["error"])
	}
	if _, ok := body["retry_after_ms"]; !ok {
		t.Error("response body should contain 'retry_after_ms' field")
	}
	if !strings.Contains(buf.String(), "Rate limit exceeded") {
		t.Errorf("expected a warning log, got %s", buf.String())
	}
}

// --- getClientIP tests ---

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "203.0.113.50, 70.41.3.18", "", "127.0.0.1:12345", "203.0.113.50"},
		{"forwarded single", "203.0.113.50", "", "127.0.0.1:12345", "203.0.113.50"},
		{"forwarded wins over real ip", "203.0.113.50", "198.51.100.25", "127.0.0.1:12345", "203.0.113.50"},
		{"real ip", "", "198.51.100.25", "127.0.0.1:12345", "198.51.100.25"},
		{"remote addr", "", "", "192.168.1.1:54321", "192.168.1.1"},
		{"remote addr without port", "", "", "192.168.1.1", "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-Ip", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDurationSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0"},
		{-time.Second, "0"},
		{time.Millisecond, "1"},
		{time.Second, "1"},
		{59500 * time.Millisecond, "60"},
		{2 * time.Minute, "120"},
	}
	for _, tt := range tests {
		if got := formatDurationSeconds(tt.d); got != tt.want {
			t.Errorf("formatDurationSeconds(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
