package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetLimiterReusesPerIP(t *testing.T) {
	rl := NewRateLimiter(10, 20)

	l1 := rl.getLimiter("192.168.1.1")
	if l1 == nil {
		t.Fatal("limiter is nil")
	}
	if l2 := rl.getLimiter("192.168.1.1"); l1 != l2 {
		t.Error("different limiters returned for the same IP")
	}
	if l3 := rl.getLimiter("192.168.1.2"); l1 == l3 {
		t.Error("same limiter returned for different IPs")
	}
}

func TestCleanupEvictsOnlyIdleClients(t *testing.T) {
	rl := NewRateLimiter(10, 20)

	rl.getLimiter("192.168.1.1")
	time.Sleep(20 * time.Millisecond)
	rl.getLimiter("192.168.1.2")

	if removed := rl.Cleanup(10 * time.Millisecond); removed != 1 {
		t.Errorf("expected 1 idle client evicted, got %d", removed)
	}
	if rl.ClientCount() != 1 {
		t.Errorf("expected 1 client remaining, got %d", rl.ClientCount())
	}

	// The surviving client was seen recently and must keep its limiter.
	if removed := rl.Cleanup(time.Hour); removed != 0 {
		t.Errorf("expected no evictions under a long idle window, got %d", removed)
	}
}

func TestMiddlewareEnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(2, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 past the burst, got %d", rr.Code)
	}
}

func TestMiddlewareIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("192.168.1.1:1234"); code != http.StatusOK {
		t.Errorf("first client: expected 200, got %d", code)
	}
	if code := send("192.168.1.2:1234"); code != http.StatusOK {
		t.Errorf("second client: expected 200, got %d", code)
	}
	if code := send("192.168.1.1:1234"); code != http.StatusTooManyRequests {
		t.Errorf("first client, second request: expected 429, got %d", code)
	}
}

func TestMiddlewareRefills(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send(); code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", code)
	}

	time.Sleep(150 * time.Millisecond)
	if code := send(); code != http.StatusOK {
		t.Errorf("request after refill: expected 200, got %d", code)
	}
}

func TestGetClientIPPrecedence(t *testing.T) {
	tests := []struct {
		name          string
		xForwardedFor string
		xRealIP       string
		expected      string
	}{
		{"remote addr only", "", "", "192.168.1.1:1234"},
		{"x-real-ip", "", "10.0.0.1", "10.0.0.1"},
		{"x-forwarded-for", "10.0.0.1", "", "10.0.0.1"},
		{"forwarded-for wins", "10.0.0.1", "10.0.0.2", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "192.168.1.1:1234"
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := getClientIP(req); got != tt.expected {
				t.Errorf("getClientIP() = %s, want %s", got, tt.expected)
			}
		})
	}
}
