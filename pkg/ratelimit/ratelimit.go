// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit throttles REST clients with one token bucket per
// client address.
package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per client.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int
	enabled  bool

	trustProxy      bool
	cleanupInterval time.Duration
	maxIdle         time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// Config holds rate limiter configuration.
type Config struct {
	Enabled bool

	// RequestsPerMinute sets the sustained rate.
	RequestsPerMinute int

	// Burst defaults to RequestsPerMinute.
	Burst int

	// CleanupInterval defaults to 10 minutes.
	CleanupInterval time.Duration

	// MaxIdle defaults to 30 minutes.
	MaxIdle time.Duration

	// TrustProxyHeaders makes the client key come from X-Forwarded-For
	// and X-Real-IP instead of the socket address.
	TrustProxyHeaders bool
}

// New returns a limiter. A nil or disabled config allows everything.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{}
	}
	burst := config.Burst
	if burst <= 0 {
		burst = config.RequestsPerMinute
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	maxIdle := config.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}

	l := &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		lastSeen:        make(map[string]time.Time),
		rate:            rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		burst:           burst,
		enabled:         config.Enabled && config.RequestsPerMinute > 0,
		trustProxy:      config.TrustProxyHeaders,
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
		stop:            make(chan struct{}),
	}
	if l.enabled {
		go l.cleanupWorker()
	}
	return l
}

func (l *Limiter) limiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = lim
	}
	l.lastSeen[clientID] = time.Now()
	return lim
}

// Allow reports whether clientID may proceed now.
func (l *Limiter) Allow(clientID string) bool {
	if !l.enabled {
		return true
	}
	return l.limiter(clientID).Allow()
}

// Wait blocks until clientID may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, clientID string) error {
	if !l.enabled {
		return nil
	}
	return l.limiter(clientID).Wait(ctx)
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, seen := range l.lastSeen {
		if now.Sub(seen) > l.maxIdle {
			delete(l.limiters, id)
			delete(l.lastSeen, id)
		}
	}
}

// Stop ends the cleanup worker. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// IsEnabled reports whether requests are throttled.
func (l *Limiter) IsEnabled() bool {
	return l.enabled
}

// Middleware rejects requests over the limit with 429 and a JSON body in
// the REST error shape.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(ClientIP(r, l.trustProxy)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded",
					"code":  "rate_limited",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the address used as the bucket key.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
