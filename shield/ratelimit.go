// CLAUDE:SUMMARY Per-IP, per-endpoint fixed-window rate limiter with SQLite-backed rules and periodic reload.
package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

// window is one client's fixed window against one endpoint rule.
type window struct {
	count int
	until time.Time
}

// RateLimiter enforces per-IP, per-endpoint limits. Rules live in the
// rate_limits table (see Schema) and are keyed "METHOD /path"; they are
// re-read periodically so limits can be changed on a running service.
type RateLimiter struct {
	db      *sql.DB
	exclude []string // path prefixes never limited

	mu      sync.Mutex
	rules   map[string]RateLimitConfig
	windows map[string]*window
}

// NewRateLimiter builds a limiter over the rules in db. Rules are loaded
// immediately; call StartReloader for refresh and window expiry.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		rules:   map[string]RateLimitConfig{},
		windows: map[string]*window{},
	}
	rl.reload()
	return rl
}

// StartReloader refreshes rules every minute and drops expired windows
// every five, until done closes.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	go func() {
		rules := time.NewTicker(time.Minute)
		expiry := time.NewTicker(5 * time.Minute)
		defer rules.Stop()
		defer expiry.Stop()
		for {
			select {
			case <-done:
				return
			case <-rules.C:
				rl.reload()
			case <-expiry.C:
				rl.dropExpired()
			}
		}
	}()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: rule reload failed", "error", err)
		return
	}
	defer rows.Close()

	fresh := map[string]RateLimitConfig{}
	for rows.Next() {
		var (
			endpoint string
			cfg      RateLimitConfig
			enabled  int
		)
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		fresh[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = fresh
	rl.mu.Unlock()
	slog.Debug("ratelimit: rules loaded", "count", len(fresh))
}

func (rl *RateLimiter) dropExpired() {
	now := time.Now()
	rl.mu.Lock()
	for key, w := range rl.windows {
		if now.After(w.until) {
			delete(rl.windows, key)
		}
	}
	rl.mu.Unlock()
}

// allow counts one request from ip against endpoint and reports whether
// it fits the rule's window. Endpoints without an enabled rule always fit.
func (rl *RateLimiter) allow(ip, endpoint string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cfg, ruled := rl.rules[endpoint]
	if !ruled || !cfg.Enabled {
		return true
	}

	key := ip + " " + endpoint
	w, ok := rl.windows[key]
	if !ok || now.After(w.until) {
		w = &window{until: now.Add(time.Duration(cfg.WindowSeconds) * time.Second)}
		rl.windows[key] = w
	}
	w.count++
	return w.count <= cfg.MaxRequests
}

// Middleware enforces the limits. Blocked requests receive a 429 JSON
// body with a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		if rl.allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: over limit", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", "60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
	})
}

// ExtractIP returns the client IP, honoring the first X-Forwarded-For hop.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
