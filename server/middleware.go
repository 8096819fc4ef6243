// Package server middleware for authentication and rate limiting
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AuthConfig protects the admin endpoints. With nothing set they are open.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

func (c AuthConfig) enabled() bool {
	return (c.Username != "" && c.Password != "") || c.Token != ""
}

// adminAuth is a middleware that protects admin endpoints with Basic Auth or token-based auth
func adminAuth(next http.Handler, cfg AuthConfig) http.Handler {
	if !cfg.enabled() {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		// Token first (X-Admin-Token header)
		if cfg.Token != "" {
			token := r.Header.Get("X-Admin-Token")
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if cfg.Username != "" && cfg.Password != "" {
			username, password, ok := r.BasicAuth()
			if ok {
				usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
				passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
				if usernameMatch && passwordMatch {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="nadeko-bot admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// RateLimitConfig bounds admin requests per client IP.
type RateLimitConfig struct {
	Enabled       bool
	RequestsPerIP int           // default 10
	Window        time.Duration // default 1m
}

// ipRateLimiter implements a simple sliding window rate limiter per IP
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      RateLimitConfig
	now      func() time.Time
}

type visitor struct {
	requests []time.Time
	lastSeen time.Time
}

// newIPRateLimiter creates a limiter whose cleanup loop stops with ctx.
func newIPRateLimiter(ctx context.Context, cfg RateLimitConfig) *ipRateLimiter {
	if cfg.RequestsPerIP <= 0 {
		cfg.RequestsPerIP = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	limiter := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		now:      time.Now,
	}
	if cfg.Enabled {
		go limiter.cleanupLoop(ctx)
	}
	return limiter
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes visitors idle for two windows.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cfg.Window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// allow checks if a request from the given IP should be allowed
func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.Enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{requests: []time.Time{now}, lastSeen: now}
		return true
	}

	cutoff := now.Add(-rl.cfg.Window)
	filtered := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	v.requests = filtered
	v.lastSeen = now

	if len(v.requests) >= rl.cfg.RequestsPerIP {
		return false
	}
	v.requests = append(v.requests, now)
	return true
}

// rateLimitMiddleware rejects clients over the limit with 429.
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.cfg.Window.Seconds())))
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP takes the first X-Forwarded-For entry, else RemoteAddr, without port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
