// Package middleware carries the HTTP cross-cutting pieces: per-IP rate
// limiting, request logging, and the security audit log.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window request cap per client IP. Each
// protected surface gets its own limiter so that hammering the login form
// does not starve the ingest API or vice versa.
type RateLimiter struct {
	name   string
	limit  int
	window time.Duration
	log    *slog.Logger
	// audit receives every rejection; rate-limit hits are security events,
	// not just noise. May be nil.
	audit *SecurityLog

	mu      sync.RWMutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per IP.
func NewRateLimiter(name string, limit int, window time.Duration, audit *SecurityLog, log *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		name:    name,
		limit:   limit,
		window:  window,
		audit:   audit,
		log:     log.With("component", "ratelimit", "limiter", name),
		windows: make(map[string]*rateWindow),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more request from key fits in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, ok := rl.windows[key]
	if !ok || now.Sub(window.windowStart) > rl.window {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	window.count++
	return window.count <= rl.limit
}

// Middleware wraps next with the limit. Rejected requests get 429 with a
// Retry-After derived from the window length.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !rl.Allow(ip) {
			rl.log.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			if rl.audit != nil {
				rl.audit.Event(r, "rate_limit_exceeded", "limiter", rl.name, "path", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window/time.Second)))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Wrap applies the limiter to a plain handler func.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return rl.Middleware(next).ServeHTTP
}

// cleanup drops expired windows so the map cannot grow without bound.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*rl.window {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP extracts the caller's IP, without port. The service is expected
// to sit behind a local reverse proxy at most; X-Forwarded-For is trusted
// only as a fallback hint, never over RemoteAddr being absent.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
