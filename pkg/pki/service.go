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

// Package pki wires the issuance engine, the CMS engine and the record
// store behind one Service used by the CLI and the REST server. It
// serializes operations that authenticate to the same token slot and
// tags every operation with a correlation id.
package pki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-p11pki/pkg/certificate"
	"github.com/jeremyhahn/go-p11pki/pkg/cms"
	"github.com/jeremyhahn/go-p11pki/pkg/correlation"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/metrics"
	"github.com/jeremyhahn/go-p11pki/pkg/openssl"
	"github.com/jeremyhahn/go-p11pki/pkg/pkcs11uri"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/signercert"
	"github.com/jeremyhahn/go-p11pki/pkg/token"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// Format selects the encoding of an exported certificate.
type Format string

const (
	FormatPEM Format = "pem"
	FormatDER Format = "der"
)

// ParseFormat accepts pem or der in any case. Empty means PEM.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPEM:
		return FormatPEM, nil
	case FormatDER:
		return FormatDER, nil
	default:
		return "", types.NewConfigurationError(fmt.Sprintf("unknown certificate format %q", s))
	}
}

// Options configure a Service.
type Options struct {
	OpenSSL *openssl.Config
	Token   *token.Config

	// TokenLabels are tried before the built-in SmartCard-HSM labels.
	TokenLabels []string

	// WorkDir is the parent of per-request scratch directories.
	WorkDir string

	StrictMetadata bool
	ImportToToken  bool

	// Timeout bounds each tool invocation.
	Timeout time.Duration

	// Runner overrides the os/exec runner.
	Runner toolchain.Runner

	Logger *logging.Logger
}

// Service is the entry point for every PKI operation.
type Service struct {
	store      *records.Store
	negotiator *openssl.Negotiator
	issuer     *certificate.Issuer
	cms        *cms.Engine
	opts       Options
	logger     *logging.Logger
	locks      slotLocks
}

// New builds a Service over store.
func New(store *records.Store, opts *Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("pki: record store is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = logging.DefaultLogger()
	}
	if o.OpenSSL == nil {
		o.OpenSSL = &openssl.Config{}
	}
	o.OpenSSL.SetDefaults()
	if o.Token == nil {
		o.Token = &token.Config{}
	}
	if o.Token.ModulePath == "" {
		o.Token.ModulePath = o.OpenSSL.ModulePath
	}
	if o.Runner == nil {
		o.Runner = toolchain.NewExecRunner(o.Timeout, o.Logger)
	}

	tokens, err := token.New(o.Token, o.Runner, o.Logger)
	if err != nil {
		return nil, types.NewConfigurationError(err.Error())
	}
	negotiator := openssl.NewNegotiator(o.OpenSSL, o.Runner, o.Logger)

	issuer := certificate.NewIssuer(negotiator, o.Runner, store, tokens, &certificate.Options{
		TokenLabels:    o.TokenLabels,
		ModulePath:     o.OpenSSL.ModulePath,
		WorkDir:        o.WorkDir,
		StrictMetadata: o.StrictMetadata,
		ImportToToken:  o.ImportToToken,
		Logger:         o.Logger,
	})
	engine := cms.NewEngine(negotiator, o.Runner, store, signercert.NewLocator(tokens, store, o.Logger), &cms.Options{
		TokenLabels: o.TokenLabels,
		ModulePath:  o.OpenSSL.ModulePath,
		WorkDir:     o.WorkDir,
		Logger:      o.Logger,
	})

	return &Service{
		store:      store,
		negotiator: negotiator,
		issuer:     issuer,
		cms:        engine,
		opts:       o,
		logger:     o.Logger,
	}, nil
}

// Store returns the record store.
func (s *Service) Store() *records.Store {
	return s.store
}

// Issue issues a certificate for req.Key.
func (s *Service) Issue(ctx context.Context, req certificate.IssueRequest) (*records.CertificateRecord, error) {
	ctx, _ = correlation.Ensure(ctx)
	unlock := s.locks.lock(req.Key)
	defer unlock()
	return s.issuer.Issue(ctx, req)
}

// Rotate issues a replacement certificate for req.Key.
func (s *Service) Rotate(ctx context.Context, req certificate.RotateRequest) (*certificate.RotateResult, error) {
	ctx, _ = correlation.Ensure(ctx)
	unlock := s.locks.lock(req.Key)
	defer unlock()
	return s.issuer.Rotate(ctx, req)
}

// Revoke marks a certificate revoked. It touches only the store.
func (s *Service) Revoke(ctx context.Context, id, reason string) (*records.CertificateRecord, error) {
	ctx, _ = correlation.Ensure(ctx)
	return s.issuer.Revoke(ctx, id, reason)
}

// Sign signs a document with the token key.
func (s *Service) Sign(ctx context.Context, req cms.SignRequest) (*records.SignatureRecord, error) {
	ctx, _ = correlation.Ensure(ctx)
	unlock := s.locks.lock(req.Key)
	defer unlock()
	return s.cms.Sign(ctx, req)
}

// Verify checks a signature. It needs no token and takes no slot lock.
func (s *Service) Verify(ctx context.Context, req cms.VerifyRequest) *types.VerificationResult {
	ctx, _ = correlation.Ensure(ctx)
	return s.cms.Verify(ctx, req)
}

// Probe reports which backends are usable right now.
func (s *Service) Probe(ctx context.Context) *openssl.Plan {
	return s.negotiator.Probe(ctx)
}

// Resolve lists the key locators tried for ref in mode, with the PIN masked.
func (s *Service) Resolve(mode types.Mode, ref types.KeyReference) ([]pkcs11uri.Candidate, error) {
	cands, err := pkcs11uri.Candidates(mode, ref, s.opts.TokenLabels, pkcs11uri.Options{ModulePath: s.opts.OpenSSL.ModulePath})
	if err != nil {
		return nil, err
	}
	secrets := pkcs11uri.SecretForms(ref.PIN.Reveal())
	for i := range cands {
		cands[i].Locator = logging.Redact(cands[i].Locator, secrets...)
	}
	return cands, nil
}

// ListCertificates returns the certificates matching filter.
func (s *Service) ListCertificates(filter records.CertificateFilter) ([]*records.CertificateRecord, error) {
	return s.store.ListCertificates(filter)
}

// GetCertificate returns one certificate record.
func (s *Service) GetCertificate(id string) (*records.CertificateRecord, error) {
	return s.store.GetCertificate(id)
}

// ListSignatures returns the signatures matching filter.
func (s *Service) ListSignatures(filter records.SignatureFilter) ([]*records.SignatureRecord, error) {
	return s.store.ListSignatures(filter)
}

// GetSignature returns one signature record.
func (s *Service) GetSignature(id string) (*records.SignatureRecord, error) {
	return s.store.GetSignature(id)
}

// OpenCertificate streams a certificate artifact and suggests a file name.
func (s *Service) OpenCertificate(id string, format Format) (io.ReadCloser, string, error) {
	rec, err := s.store.GetCertificate(id)
	if err != nil {
		return nil, "", err
	}
	key, ext := rec.PEMPath, "pem"
	if format == FormatDER {
		key, ext = rec.DERPath, "der"
	}
	rc, err := s.store.OpenArtifact(key)
	if err != nil {
		return nil, "", err
	}
	return rc, fmt.Sprintf("%s.%s", fileStem(rec), ext), nil
}

// OpenSignature streams a signature artifact and suggests a file name.
func (s *Service) OpenSignature(id string) (io.ReadCloser, string, error) {
	rec, err := s.store.GetSignature(id)
	if err != nil {
		return nil, "", err
	}
	rc, err := s.store.OpenArtifact(rec.OutputPath)
	if err != nil {
		return nil, "", err
	}
	return rc, rec.OutputName, nil
}

// Stats returns record counts.
func (s *Service) Stats() (*records.Stats, error) {
	return s.store.Stats()
}

// Collector returns a metrics collector publishing the store gauges.
func (s *Service) Collector(ctx context.Context, interval time.Duration) *metrics.Collector {
	return metrics.NewCollector(ctx, interval, s.store.StatsByCollection)
}

func fileStem(rec *records.CertificateRecord) string {
	stem := rec.KeyID
	if stem == "" {
		stem = rec.ID
	}
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return "cert-" + b.String()
}

// slotLocks hands out one mutex per token slot so PIN authenticated
// operations against the same slot never overlap. The token label is not
// part of the key: an empty label and an explicit one can name the same
// physical token.
type slotLocks struct {
	mu    sync.Mutex
	slots map[int]*sync.Mutex
}

func (l *slotLocks) lock(ref types.KeyReference) func() {
	key := ref.SlotID
	l.mu.Lock()
	if l.slots == nil {
		l.slots = make(map[int]*sync.Mutex)
	}
	m, ok := l.slots[key]
	if !ok {
		m = &sync.Mutex{}
		l.slots[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
