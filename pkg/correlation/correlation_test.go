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

package correlation

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
)

func TestWithID(t *testing.T) {
	ctx := WithID(context.Background(), "abc")
	assert.Equal(t, "abc", ID(ctx))
	assert.Equal(t, "", ID(context.Background()))
	//nolint:staticcheck // nil context is tolerated
	assert.Equal(t, "x", ID(WithID(nil, "x")))
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, ID(ctx))

	again, same := Ensure(ctx)
	assert.Equal(t, id, same)
	assert.Equal(t, ctx, again)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logging.NewLoggerWithConfig(logging.Config{Level: "info", Format: "json", Output: &buf})

	Logger(WithID(context.Background(), "op-42"), base).Info("issued")
	assert.Contains(t, buf.String(), `"correlationId":"op-42"`)

	buf.Reset()
	Logger(context.Background(), base).Info("plain")
	assert.NotContains(t, buf.String(), LogKey)
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ID(r.Context())
	}))

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "adopts correlation header", headers: map[string]string{HeaderName: "client-1"}, want: "client-1"},
		{name: "adopts request id alias", headers: map[string]string{RequestIDHeader: "req-7"}, want: "req-7"},
		{name: "correlation header wins", headers: map[string]string{HeaderName: "a", RequestIDHeader: "b"}, want: "a"},
		{name: "rejects unsafe id", headers: map[string]string{HeaderName: "bad id\nInjected: 1"}},
		{name: "rejects oversized id", headers: map[string]string{HeaderName: strings.Repeat("a", 200)}},
		{name: "generates when absent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, seen, rec.Header().Get(HeaderName))
			if tt.want != "" {
				assert.Equal(t, tt.want, seen)
				return
			}
			_, err := uuid.Parse(seen)
			assert.NoError(t, err)
		})
	}
}
