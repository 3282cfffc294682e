// Package ratelimit provides per-caller request throttling, used by the
// datastore's HTTP server and the DNS resolver.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/log"
	"golang.org/x/time/rate"
)

// Limiter tracks one token-bucket limiter per caller key (IP or account).
type Limiter struct {
	rps     float64
	burst   int
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter allowing rps requests per second per caller, with
// burst headroom.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rps,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	allowed := b.Allow()
	if !allowed {
		log.Warn("rate limit exceeded for " + key)
	}
	return allowed
}

// Cleanup drops all tracked buckets once the tracked-caller count grows
// unbounded; called periodically by StartCleanupJob.
func (l *Limiter) Cleanup(max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) > max {
		l.buckets = make(map[string]*rate.Limiter)
	}
}

// StartCleanupJob runs Cleanup on a fixed interval until stop is closed.
func (l *Limiter) StartCleanupJob(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup(10000)
			case <-stop:
				return
			}
		}
	}()
}

// Middleware wraps next with a per-client-IP rate limit, responding 429
// when exceeded.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the caller's address, preferring proxy headers over
// the raw connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
