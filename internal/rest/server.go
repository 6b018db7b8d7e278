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

// Package rest exposes the PKI service over HTTP with chi.
package rest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-p11pki/pkg/correlation"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/metrics"
	"github.com/jeremyhahn/go-p11pki/pkg/pki"
	"github.com/jeremyhahn/go-p11pki/pkg/ratelimit"
)

// Server represents the REST API server.
type Server struct {
	server    *http.Server
	handlers  *HandlerContext
	tlsConfig *tls.Config
	limiter   *ratelimit.Limiter
	config    *Config
	logger    *logging.Logger
}

// Config holds the REST server configuration.
type Config struct {
	// Listen is the address to listen on (default: 127.0.0.1:8443)
	Listen string

	// Service performs every PKI operation.
	Service *pki.Service

	// Version is reported by /health.
	Version string

	// TLSConfig enables HTTPS when set.
	TLSConfig *tls.Config

	// RateLimiter limits /api/v1 requests per client when set.
	RateLimiter *ratelimit.Limiter

	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string

	// MaxUploadBytes bounds request bodies (default: 32 MiB).
	MaxUploadBytes int64

	// DefaultValidityDays applies when an issue request omits validityDays.
	DefaultValidityDays int

	Logger *logging.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new REST API server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("pki service is required")
	}

	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8443"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.DefaultLogger()
	}

	handlers := NewHandlerContext(cfg.Service, log, cfg.Version, cfg.MaxUploadBytes)
	handlers.defaultValidityDays = cfg.DefaultValidityDays

	server := &Server{
		handlers:  handlers,
		tlsConfig: cfg.TLSConfig,
		limiter:   cfg.RateLimiter,
		config:    cfg,
		logger:    log,
	}

	server.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.setupRouter(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		TLSConfig:         cfg.TLSConfig,
	}
	return server, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(correlation.Middleware)
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", s.handlers.HealthHandler)
	r.Head("/health", s.handlers.HealthHandler)
	if s.config.MetricsPath != "" {
		r.Handle(s.config.MetricsPath, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil && s.limiter.IsEnabled() {
			r.Use(ratelimit.Middleware(s.limiter))
		}

		r.Get("/backends", s.handlers.BackendsHandler)
		r.Get("/stats", s.handlers.StatsHandler)

		r.Post("/certificates", s.handlers.IssueCertificateHandler)
		r.Get("/certificates", s.handlers.ListCertificatesHandler)
		r.Post("/certificates/rotate", s.handlers.RotateCertificateHandler)
		r.Get("/certificates/{id}", s.handlers.GetCertificateHandler)
		r.Get("/certificates/{id}/pem", s.handlers.CertificatePEMHandler)
		r.Get("/certificates/{id}/der", s.handlers.CertificateDERHandler)
		r.Post("/certificates/{id}/revoke", s.handlers.RevokeCertificateHandler)

		r.Post("/signatures", s.handlers.SignHandler)
		r.Get("/signatures", s.handlers.ListSignaturesHandler)
		r.Get("/signatures/{id}", s.handlers.GetSignatureHandler)
		r.Get("/signatures/{id}/artifact", s.handlers.SignatureArtifactHandler)

		r.Post("/verify", s.handlers.VerifyHandler)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorWithMessage(w, ErrNotFound, "route not found", http.StatusNotFound)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the REST API server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is stopped.
func (s *Server) Serve(ln net.Listener) error {
	if s.tlsConfig != nil {
		s.logger.Info("Starting HTTPS server", "addr", ln.Addr().String())
		ln = tls.NewListener(ln, s.tlsConfig)
	} else {
		s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
	}
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the REST API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error(fmt.Errorf("failed to shutdown server: %w", err))
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.logger.Info("Server stopped")
	return nil
}
