package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiting defaults. Recording control traffic is low volume, so
// anything past this is a misbehaving client.
const (
	defaultRate    = rate.Limit(20)
	defaultBurst   = 40
	sweepInterval  = 5 * time.Minute
	limiterIdleMax = 10 * time.Minute
)

// RateLimitConfig configures per-IP rate limiting for API endpoints.
type RateLimitConfig struct {
	Rate            rate.Limit    // requests allowed per second per IP
	Burst           int           // maximum burst size per IP
	CleanupInterval time.Duration // how often idle limiters are swept
	MaxAge          time.Duration // idle time before a limiter is evicted
}

// DefaultRateLimitConfig returns the limits the control plane mounts.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            defaultRate,
		Burst:           defaultBurst,
		CleanupInterval: sweepInterval,
		MaxAge:          limiterIdleMax,
	}
}

// IPRateLimiter holds one token bucket per client IP. Idle buckets are
// swept by a background goroutine until Stop is called.
type IPRateLimiter struct {
	cfg    RateLimitConfig
	stopCh chan struct{}

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	seen    map[string]time.Time
}

// NewIPRateLimiter creates a per-IP rate limiter and starts its sweeper.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		buckets: make(map[string]*rate.Limiter),
		seen:    make(map[string]time.Time),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from the given IP may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	bucket, ok := rl.buckets[ip]
	if !ok {
		bucket = rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)
		rl.buckets[ip] = bucket
	}
	rl.seen[ip] = time.Now()
	rl.mu.Unlock()

	return bucket.Allow()
}

// Stop terminates the sweeper goroutine.
func (rl *IPRateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops buckets that have been idle past MaxAge.
func (rl *IPRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for ip, last := range rl.seen {
		if last.Before(cutoff) {
			delete(rl.buckets, ip)
			delete(rl.seen, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("api rate limiter sweep", "removed", removed, "remaining", len(rl.buckets))
	}
}

// RateLimit rate limits requests by client IP, answering 429 with a
// Retry-After header when the bucket runs dry.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware runs
// earlier in the chain and rewrites RemoteAddr behind reverse proxies.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
