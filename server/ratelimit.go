package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a token-bucket quota per client key. Buckets are
// created lazily on first sight of a key and retained for the life of the
// process; deployments facing an unbounded key space should front this with
// an external limiter. Distinct instances guard authentication-sensitive
// paths (tight quota) and general API paths (looser quota).
type RateLimiter struct {
	logger *slog.Logger
	limit  rate.Limit
	burst  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter that admits lc.Requests per lc.Window
// from each client key.
func NewRateLimiter(lc LimitConfig, logger *slog.Logger) *RateLimiter {
	window := time.Duration(lc.Window)
	return &RateLimiter{
		logger:  logger,
		limit:   rate.Every(window / time.Duration(lc.Requests)),
		burst:   lc.Requests,
		window:  window,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the key's bucket; a drained bucket is left
// untouched rather than going negative.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucket(key).Allow()
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[key] = b
	}
	return b
}

// Middleware rejects over-quota requests with a machine-readable 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.Allow(key) {
			rl.logger.Warn("rate limit exceeded", "client", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey derives the limiter key from the first forwarded-for hop, else
// the remote address.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
