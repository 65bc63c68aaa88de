package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type burstEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BurstLimiter is a token bucket per key that smooths bursts ahead of the
// per-minute quota
type BurstLimiter struct {
	limiters map[string]*burstEntry
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

// NewBurstLimiter creates a new burst limiter
// rps: sustained requests per second
// burst: maximum burst size
func NewBurstLimiter(rps float64, burst int) *BurstLimiter {
	return &BurstLimiter{
		limiters: make(map[string]*burstEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// GetLimiter returns the bucket for the given key (e.g. client IP or API key)
func (l *BurstLimiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.limiters[key]
	if !exists {
		entry = &burstEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow checks if a request should be allowed
func (l *BurstLimiter) Allow(key string) bool {
	return l.GetLimiter(key).Allow()
}

// Middleware rejects requests whose key has exhausted its bucket. onReject
// writes the response; nil falls back to a plain 429.
func (l *BurstLimiter) Middleware(keyFunc func(*http.Request) string, onReject http.HandlerFunc) func(http.Handler) http.Handler {
	if onReject == nil {
		onReject = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				onReject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CleanupOldLimiters removes buckets that haven't been used within maxAge
func (l *BurstLimiter) CleanupOldLimiters(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// IPKeyFunc extracts the client IP from the request as the rate limit key
func IPKeyFunc(r *http.Request) string {
	// First hop of X-Forwarded-For wins when behind a proxy
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIKeyFunc uses the API key header as the rate limit key, falling back to the client IP
func APIKeyFunc(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "key:" + strings.TrimPrefix(auth, "Bearer ")
	}
	return "ip:" + IPKeyFunc(r)
}
