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

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Disabled(t *testing.T) {
	l := New(nil)
	defer l.Stop()
	assert.False(t, l.IsEnabled())
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("client"))
	}
	assert.NoError(t, l.Wait(context.Background(), "client"))
	assert.Zero(t, l.Clients())
}

func TestLimiter_Burst(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"), "request %d", i)
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "clients have separate buckets")
	assert.Equal(t, 2, l.Clients())
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	defer l.Stop()
	require.True(t, l.Allow("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "a"))
}

func TestLimiter_Cleanup(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, MaxIdle: time.Minute})
	defer l.Stop()
	l.Allow("idle")
	l.cleanup(time.Now().Add(2 * time.Minute))
	assert.Zero(t, l.Clients())
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60})
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	defer l.Stop()
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/certificates", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "198.51.100.4", ClientIP(req, false))
	assert.Equal(t, "203.0.113.9", ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "203.0.113.10")
	assert.Equal(t, "203.0.113.10", ClientIP(req, true))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", ClientIP(req, false))
}
