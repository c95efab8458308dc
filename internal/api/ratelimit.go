package api

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// ConsumerRateLimiter throttles the delta-fetch endpoints per calling
// process (identified by its RemoteAddr, since every caller is local)
// with a token bucket: a sustained rate plus burst headroom for a
// dashboard doing its initial since=0 catch-up fetch.
type ConsumerRateLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*tokenBucket
	sustained   float64 // tokens refilled per second
	burst       int     // bucket capacity
	idleEvictAt time.Duration
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewConsumerRateLimiter builds a limiter allowing sustained
// requests/sec with up to burst requests in a single spike, and starts
// its background idle-bucket reaper.
func NewConsumerRateLimiter(sustained float64, burst int) *ConsumerRateLimiter {
	rl := &ConsumerRateLimiter{
		buckets:     make(map[string]*tokenBucket),
		sustained:   sustained,
		burst:       burst,
		idleEvictAt: 5 * time.Minute,
	}
	go rl.reapIdleBuckets()
	return rl
}

// Allow reports whether a request from caller should proceed, charging
// one token against its bucket when it does.
func (rl *ConsumerRateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	b, ok := rl.buckets[caller]
	if !ok {
		rl.buckets[caller] = &tokenBucket{
			tokens:   float64(rl.burst) - 1, // this request's own charge
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * rl.sustained
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// reapIdleBuckets drops buckets belonging to callers that haven't
// polled in idleEvictAt, so a long-running interceptor process doesn't
// accumulate one bucket per dashboard tab ever opened against it.
func (rl *ConsumerRateLimiter) reapIdleBuckets() {
	ticker := time.NewTicker(rl.idleEvictAt)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for caller, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rl.idleEvictAt {
				delete(rl.buckets, caller)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware wraps next with the rate limit, responding 429 with a
// Retry-After hint once a caller's bucket is exhausted.
func (rl *ConsumerRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(callerAddr(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerAddr extracts the caller's address from RemoteAddr, stripping
// the port. Every caller of this API is a local process (the dashboard
// or a CLI consumer), so RemoteAddr is trusted directly rather than
// honoring a spoofable X-Forwarded-For header.
func callerAddr(r *http.Request) string {
	addr := r.RemoteAddr

	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		if strings.HasPrefix(addr, "[") {
			if bracketIdx := strings.Index(addr, "]:"); bracketIdx != -1 {
				addr = addr[1:bracketIdx]
			}
		} else {
			addr = addr[:idx]
		}
	}

	return addr
}
