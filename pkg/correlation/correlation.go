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

// Package correlation carries a per-operation identifier through contexts
// and HTTP requests so every log line of one issuance or signing can be
// joined up.
package correlation

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
)

type contextKey struct{}

const (
	// HeaderName carries the id on requests and responses.
	HeaderName = "X-Correlation-ID"

	// RequestIDHeader is accepted as an alias on inbound requests.
	RequestIDHeader = "X-Request-ID"

	// LogKey is the attribute name used in log lines.
	LogKey = "correlationId"
)

// Inbound ids are echoed into logs and headers, so only a safe alphabet
// of bounded length is accepted.
var validID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// NewID returns a random UUID v4.
func NewID() string {
	return uuid.NewString()
}

// Ensure returns ctx unchanged when it already carries an id, otherwise
// a child context with a fresh one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}

// Logger returns logger annotated with the id carried by ctx.
func Logger(ctx context.Context, logger *logging.Logger) *logging.Logger {
	if id := ID(ctx); id != "" {
		return logger.With(LogKey, id)
	}
	return logger
}

// Middleware adopts a well formed inbound id or generates one, stores it
// in the request context and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderName)
		if id == "" {
			id = r.Header.Get(RequestIDHeader)
		}
		if !validID.MatchString(id) {
			id = NewID()
		}
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
