package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConsumerRateLimiter_BurstAllowed(t *testing.T) {
	rl := NewConsumerRateLimiter(10, 100) // 10/sec sustained, 100 burst

	for i := 0; i < 100; i++ {
		if !rl.Allow("127.0.0.1") {
			t.Errorf("request %d should be allowed within burst", i+1)
		}
	}

	if rl.Allow("127.0.0.1") {
		t.Error("request after burst exhausted should be denied")
	}
}

func TestConsumerRateLimiter_RefillOverTime(t *testing.T) {
	rl := NewConsumerRateLimiter(100, 10) // 100/sec sustained, 10 burst (fast refill for testing)

	for i := 0; i < 10; i++ {
		rl.Allow("127.0.0.1")
	}

	if rl.Allow("127.0.0.1") {
		t.Error("should be denied after burst exhausted")
	}

	// 100 tokens/sec = 1 token every 10ms
	time.Sleep(50 * time.Millisecond)

	if !rl.Allow("127.0.0.1") {
		t.Error("should be allowed after refill time")
	}
}

func TestConsumerRateLimiter_SeparateCallersAreSeparate(t *testing.T) {
	rl := NewConsumerRateLimiter(10, 5) // 10/sec sustained, 5 burst

	for i := 0; i < 5; i++ {
		rl.Allow("192.168.1.1")
	}

	if rl.Allow("192.168.1.1") {
		t.Error("caller 1 should be denied after burst")
	}

	if !rl.Allow("192.168.1.2") {
		t.Error("caller 2 should be allowed - separate bucket")
	}
}

func TestConsumerRateLimiter_Middleware429(t *testing.T) {
	rl := NewConsumerRateLimiter(10, 2) // low burst for easy testing

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("request %d: got %d, want %d", i+1, rr.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("got %d, want %d (429 Too Many Requests)", rr.Code, http.StatusTooManyRequests)
	}

	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestCallerAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{"IPv4 with port", "192.168.1.1:8080", "192.168.1.1"},
		{"IPv4 without port", "192.168.1.1", "192.168.1.1"},
		{"IPv6 with port", "[::1]:8080", "::1"},
		{"localhost", "127.0.0.1:54321", "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr

			got := callerAddr(req)
			if got != tt.want {
				t.Errorf("callerAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}
