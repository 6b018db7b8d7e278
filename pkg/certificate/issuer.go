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

// Package certificate issues self-signed X.509 certificates bound to keys
// on a PKCS #11 token. CSR generation and self-signing run through openssl
// against every resolved key locator, provider pipeline first, until one
// succeeds; the signed certificate's real metadata is then recorded.
package certificate

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-p11pki/pkg/correlation"
	"github.com/jeremyhahn/go-p11pki/pkg/fallback"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/metrics"
	"github.com/jeremyhahn/go-p11pki/pkg/openssl"
	"github.com/jeremyhahn/go-p11pki/pkg/pkcs11uri"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/token"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

// DefaultValidityDays applies when a request carries no positive validity.
const DefaultValidityDays = 365

// Workspace file names.
const (
	extFile  = "extensions.cnf"
	csrFile  = "request.csr"
	certFile = "certificate.pem"
)

// Stages an attempt can reach, used to report the furthest failure.
const (
	stageCSR = iota + 1
	stageSelfSign
	stageEncode
)

// ErrMetadataUnavailable is returned in strict mode when neither the Go
// parser nor openssl could read the signed certificate.
var ErrMetadataUnavailable = errors.New("certificate: metadata could not be extracted from the signed certificate")

// Options configure an Issuer.
type Options struct {
	// TokenLabels are tried after the request's own label and before
	// the built-in SmartCard-HSM defaults.
	TokenLabels []string

	// ModulePath is embedded as module-path in provider URIs.
	ModulePath string

	// WorkDir is the parent of per-request workspaces. Empty means the
	// system temp dir.
	WorkDir string

	// StrictMetadata fails issuance instead of recording a generated serial.
	StrictMetadata bool

	// ImportToToken writes the issued certificate back onto the token
	// unless a request overrides it.
	ImportToToken bool

	Logger *logging.Logger
}

// IssueRequest describes one certificate to issue.
type IssueRequest struct {
	Key          types.KeyReference
	Subject      types.SubjectDescriptor
	ValidityDays int
	SAN          string
	IsCA         bool
	// Type is server, user or ca. Defaults from IsCA.
	Type          string
	KeyType       string
	KeySize       int
	ImportToToken *bool
}

func (r *IssueRequest) normalize() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if r.Subject.IsEmpty() {
		return types.NewConfigurationError("subject is required")
	}
	if r.ValidityDays <= 0 {
		r.ValidityDays = DefaultValidityDays
	}
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	switch r.Type {
	case "":
		r.Type = records.TypeServer
		if r.IsCA {
			r.Type = records.TypeCA
		}
	case records.TypeServer, records.TypeUser:
	case records.TypeCA:
		r.IsCA = true
	default:
		return types.NewConfigurationError(fmt.Sprintf("unknown certificate type %q", r.Type))
	}
	return nil
}

// Issuer issues, revokes and rotates certificates.
type Issuer struct {
	planner openssl.Planner
	runner  toolchain.Runner
	store   *records.Store
	tokens  token.Store
	opts    Options
	logger  *logging.Logger
}

// NewIssuer returns an Issuer. tokens may be nil when import is never used.
func NewIssuer(planner openssl.Planner, runner toolchain.Runner, store *records.Store, tokens token.Store, opts *Options) *Issuer {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Issuer{
		planner: planner,
		runner:  runner,
		store:   store,
		tokens:  tokens,
		opts:    *opts,
		logger:  logger,
	}
}

type signed struct {
	pem        []byte
	der        []byte
	path       string
	mode       types.Mode
	tokenLabel string
}

type stageError struct {
	stage int
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Issue produces a self-signed certificate for req.Key and appends its
// record. Scratch files are removed on every exit path. A cancelled ctx
// aborts without persisting anything.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (rec *records.CertificateRecord, err error) {
	start := time.Now()
	mode := metrics.ModeNone
	defer func() {
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
			metrics.RecordError(metrics.OpIssue, types.KindOf(err))
		}
		metrics.RecordOperation(metrics.OpIssue, mode, status, time.Since(start).Seconds())
	}()

	if err := req.normalize(); err != nil {
		return nil, err
	}
	log := correlation.Logger(ctx, i.logger).WithSecrets(pkcs11uri.SecretForms(req.Key.PIN.Reveal())...).With("op", metrics.OpIssue, "keyId", req.Key.ID)

	san, unknown, err := NormalizeSAN(req.SAN)
	if err != nil {
		return nil, err
	}
	for _, entry := range unknown {
		log.Warn("unrecognized subjectAltName tag passed through", "entry", entry)
	}

	ws, err := workspace.New(i.opts.WorkDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ws.Cleanup(); cerr != nil {
			log.Warn("workspace cleanup failed", "error", cerr.Error())
		}
	}()

	ext := Extensions{IsCA: req.IsCA, Type: req.Type, SAN: san}
	extPath, err := ws.Write(extFile, []byte(ext.Render()))
	if err != nil {
		return nil, err
	}

	plan, err := i.planner.Plan(ctx)
	if err != nil {
		return nil, err
	}

	result, err := i.sign(ctx, ws, plan, req, extPath, log)
	if err != nil {
		return nil, err
	}
	mode = result.mode.String()

	md, serialSource, err := i.metadata(ctx, result, req, log)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec = &records.CertificateRecord{
		ID:           uuid.NewString(),
		KeyID:        req.Key.ID,
		Subject:      req.Subject.Summary(),
		Issuer:       md.Issuer,
		Serial:       md.Serial,
		SerialSource: serialSource,
		Issued:       md.NotBefore.UTC().Format(time.RFC3339),
		Expires:      md.NotAfter.UTC().Format(time.RFC3339),
		Status:       records.StatusValid,
		Type:         req.Type,
		KeyType:      req.KeyType,
		KeySize:      req.KeySize,
		Email:        req.Subject.Email,
		SAN:          san,
		IsCA:         req.IsCA,
		Mode:         result.mode.String(),
		TokenLabel:   result.tokenLabel,
	}
	rec.PEMPath = records.CertificatePEMKey(rec.ID)
	rec.DERPath = records.CertificateDERKey(rec.ID)

	rec.ImportedToToken = i.importToToken(ctx, ws, req, result, log)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := i.persist(rec, result); err != nil {
		return nil, err
	}

	log.Info("certificate issued",
		"id", rec.ID,
		"serial", rec.Serial,
		"serialSource", rec.SerialSource,
		"mode", rec.Mode,
		"tokenLabel", rec.TokenLabel,
		"expires", rec.Expires)
	return rec, nil
}

// sign walks the plan's backends in order, and within each backend every
// key locator, until CSR generation and self-signing both succeed.
func (i *Issuer) sign(ctx context.Context, ws *workspace.Workspace, plan *openssl.Plan, req IssueRequest, extPath string, log *logging.Logger) (*signed, error) {
	attempts := make([]fallback.Attempt[*signed], 0, len(plan.Modes))
	for _, mode := range plan.Modes {
		mode := mode
		attempts = append(attempts, fallback.Attempt[*signed]{
			Name: mode.String(),
			Run: func(ctx context.Context) (*signed, error) {
				return i.signWithMode(ctx, ws, mode, req, extPath, log)
			},
		})
	}

	res, err := fallback.First(ctx, attempts, &fallback.Options{Terminal: toolchain.IsFatal})
	if err != nil {
		return nil, i.exhausted(ctx, plan, req, err, log)
	}
	return res.Value, nil
}

func (i *Issuer) signWithMode(ctx context.Context, ws *workspace.Workspace, mode types.Mode, req IssueRequest, extPath string, log *logging.Logger) (*signed, error) {
	cands, err := pkcs11uri.Candidates(mode, req.Key, i.opts.TokenLabels, pkcs11uri.Options{ModulePath: i.opts.ModulePath})
	if err != nil {
		return nil, err
	}
	cmds := openssl.NewCommands(i.planner.Config(), mode)

	attempts := make([]fallback.Attempt[*signed], 0, len(cands))
	for _, c := range cands {
		c := c
		attempts = append(attempts, fallback.Attempt[*signed]{
			Name: log.Redact(c.Locator),
			Run: func(ctx context.Context) (*signed, error) {
				return i.trySign(ctx, ws, cmds, c, req, extPath)
			},
		})
	}

	res, err := fallback.First(ctx, attempts, &fallback.Options{
		Terminal: toolchain.IsFatal,
		OnFailure: func(f fallback.Failure) {
			metrics.RecordCandidate(metrics.OpIssue, mode.String(), false)
			log.Debug("key candidate rejected", "mode", mode.String(), "locator", f.Name, "error", f.Err.Error())
		},
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordCandidate(metrics.OpIssue, mode.String(), true)
	log.Debug("key candidate accepted", "mode", mode.String(), "locator", res.Name, "attempt", res.Index+1)
	return res.Value, nil
}

// trySign runs CSR generation and self-signing for one locator.
func (i *Issuer) trySign(ctx context.Context, ws *workspace.Workspace, cmds *openssl.Commands, c pkcs11uri.Candidate, req IssueRequest, extPath string) (*signed, error) {
	for _, name := range []string{csrFile, certFile} {
		if err := ws.Remove(name); err != nil {
			return nil, err
		}
	}
	csrPath, err := ws.Path(csrFile)
	if err != nil {
		return nil, err
	}
	certPath, err := ws.Path(certFile)
	if err != nil {
		return nil, err
	}

	if _, err := i.runner.Run(ctx, cmds.ReqCommand(c.Locator, req.Key.PIN, req.Subject.Render(), csrPath)); err != nil {
		return nil, &stageError{stage: stageCSR, err: err}
	}
	if !ws.NonEmpty(csrFile) {
		return nil, &stageError{stage: stageCSR, err: errors.New("openssl req produced an empty CSR")}
	}

	if _, err := i.runner.Run(ctx, cmds.SelfSignCommand(c.Locator, req.Key.PIN, csrPath, extPath, req.ValidityDays, certPath)); err != nil {
		return nil, &stageError{stage: stageSelfSign, err: err}
	}
	pemBytes, err := ws.Read(certFile)
	if err != nil || len(pemBytes) == 0 {
		return nil, &stageError{stage: stageSelfSign, err: errors.New("openssl x509 produced no certificate")}
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, &stageError{stage: stageEncode, err: errors.New("self-signed output is not a PEM certificate")}
	}

	return &signed{
		pem:        pemBytes,
		der:        block.Bytes,
		path:       certPath,
		mode:       cmds.Mode(),
		tokenLabel: c.TokenLabel,
	}, nil
}

// exhausted converts a failed walk into the caller facing error: the
// furthest tool failure, plus the provider probe reason when the provider
// was never usable.
func (i *Issuer) exhausted(ctx context.Context, plan *openssl.Plan, req IssueRequest, err error, log *logging.Logger) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, toolchain.ErrToolNotFound) {
		return &types.OperationError{
			Op:         "issue",
			Kind:       types.ErrBackendUnavailable,
			Reason:     "openssl is not installed",
			Diagnostic: log.Redact(err.Error()),
		}
	}
	var cfgErr *types.OperationError
	if errors.As(err, &cfgErr) && errors.Is(cfgErr, types.ErrConfiguration) {
		return cfgErr
	}

	var furthest *fallback.Failure
	furthestStage := 0
	var diag []string
	diag = append(diag, "probes: "+plan.Diagnostic())
	for _, modeFailure := range fallback.Failures(err) {
		inner := fallback.Failures(modeFailure.Err)
		diag = append(diag, fmt.Sprintf("%s: %d candidate(s) failed", modeFailure.Name, len(inner)))
		for _, f := range inner {
			stage := 0
			var se *stageError
			if errors.As(f.Err, &se) {
				stage = se.stage
			}
			if stage >= furthestStage {
				furthestStage = stage
				furthest = &fallback.Failure{Name: modeFailure.Name + " " + f.Name, Err: f.Err}
			}
			diag = append(diag, fmt.Sprintf("  %s: %v", f.Name, f.Err))
		}
	}

	reason := fmt.Sprintf("no key locator for %q produced a certificate", req.Key.ID)
	if furthest != nil {
		reason += ": " + summarize(furthest.Err)
	}
	if !plan.Has(types.ModeProvider) {
		reason += "; provider unavailable: " + plan.Provider.Reason
	}

	opErr := &types.OperationError{
		Op:         "issue",
		Kind:       types.ErrCandidateExhausted,
		Reason:     log.Redact(reason),
		Diagnostic: types.TruncateDiagnostic(log.Redact(strings.Join(diag, "\n"))),
	}
	log.Warn("issuance failed", "reason", opErr.Reason)
	log.Debug("issuance diagnostic", "diagnostic", opErr.Diagnostic)
	return opErr
}

// summarize returns the tool's own first diagnostic line when available.
func summarize(err error) string {
	var te *toolchain.Error
	if errors.As(err, &te) && te.Diagnostic != "" {
		return types.Truncate(strings.SplitN(te.Diagnostic, "\n", 2)[0], 256)
	}
	return types.Truncate(err.Error(), 256)
}

// metadata reads serial, validity and names from the signed certificate:
// Go's parser first, openssl's text output second. When both fail a
// random serial is generated and flagged, unless StrictMetadata is set.
func (i *Issuer) metadata(ctx context.Context, s *signed, req IssueRequest, log *logging.Logger) (*openssl.CertMetadata, string, error) {
	attempts := []fallback.Attempt[*openssl.CertMetadata]{
		{Name: "x509", Run: func(context.Context) (*openssl.CertMetadata, error) {
			cert, err := x509.ParseCertificate(s.der)
			if err != nil {
				return nil, err
			}
			return &openssl.CertMetadata{
				Serial:    serialHex(cert),
				NotBefore: cert.NotBefore,
				NotAfter:  cert.NotAfter,
				Subject:   cert.Subject.String(),
				Issuer:    cert.Issuer.String(),
			}, nil
		}},
		{Name: "openssl", Run: func(ctx context.Context) (*openssl.CertMetadata, error) {
			out, err := i.runner.Run(ctx, openssl.X509TextCommand(i.planner.Config(), s.path))
			if err != nil {
				return nil, err
			}
			outcome := openssl.ParseX509Text(string(out.Stdout))
			if !outcome.OK() {
				return nil, outcome.Err("parse certificate", ErrMetadataUnavailable)
			}
			md := outcome.Value
			return &md, nil
		}},
	}

	res, err := fallback.First(ctx, attempts, &fallback.Options{Terminal: toolchain.IsFatal})
	if err == nil {
		return res.Value, records.SerialFromCertificate, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", ctxErr
	}

	var diag string
	var fe *fallback.Error
	if errors.As(err, &fe) {
		diag = fe.Diagnostic()
	}
	if i.opts.StrictMetadata {
		return nil, "", &types.OperationError{
			Op:         "issue",
			Kind:       ErrMetadataUnavailable,
			Diagnostic: types.TruncateDiagnostic(diag),
		}
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, "", err
	}
	now := i.store.Now().UTC().Truncate(time.Second)
	log.Warn("certificate metadata unavailable, recording generated serial",
		"serial", serial,
		"diagnostic", types.Truncate(diag, 512))
	return &openssl.CertMetadata{
		Serial:    serial,
		NotBefore: now,
		NotAfter:  now.AddDate(0, 0, req.ValidityDays),
		Subject:   req.Subject.Summary(),
		Issuer:    req.Subject.Summary(),
	}, records.SerialGenerated, nil
}

// serialHex renders the serial the way openssl prints it: uppercase hex
// with an even number of digits.
func serialHex(cert *x509.Certificate) string {
	b := cert.SerialNumber.Bytes()
	if len(b) == 0 {
		return "00"
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

func randomSerial() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("certificate: failed to generate serial: %w", err)
	}
	b[0] &= 0x7f
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// importToToken writes the certificate onto the token when enabled.
// Failures are logged and reported through the record, not returned.
func (i *Issuer) importToToken(ctx context.Context, ws *workspace.Workspace, req IssueRequest, s *signed, log *logging.Logger) bool {
	enabled := i.opts.ImportToToken
	if req.ImportToToken != nil {
		enabled = *req.ImportToToken
	}
	if !enabled || i.tokens == nil {
		return false
	}

	start := time.Now()
	ref := req.Key.WithTokenLabel(s.tokenLabel)
	label := req.Subject.CN
	if label == "" {
		label = req.Key.ID
	}
	if err := i.tokens.WriteCertificate(ctx, ws, ref, s.der, label); err != nil {
		metrics.RecordOperation(metrics.OpImport, s.mode.String(), metrics.StatusError, time.Since(start).Seconds())
		log.Warn("certificate import to token failed", "tokenLabel", s.tokenLabel, "error", err.Error())
		return false
	}
	metrics.RecordOperation(metrics.OpImport, s.mode.String(), metrics.StatusSuccess, time.Since(start).Seconds())
	return true
}

// persist stores the artifacts and the stable signer PEM, then appends
// the record. Artifacts are removed again when the append fails.
func (i *Issuer) persist(rec *records.CertificateRecord, s *signed) error {
	if err := i.store.PutArtifact(rec.PEMPath, s.pem); err != nil {
		return err
	}
	if err := i.store.PutArtifact(rec.DERPath, s.der); err != nil {
		_ = i.store.DeleteArtifact(rec.PEMPath)
		return err
	}
	if err := i.store.AppendCertificate(rec); err != nil {
		_ = i.store.DeleteArtifact(rec.PEMPath)
		_ = i.store.DeleteArtifact(rec.DERPath)
		return err
	}
	if err := i.store.PutSignerPEM(rec.KeyID, s.pem); err != nil {
		i.logger.Warn("failed to update signer certificate", "keyId", rec.KeyID, "error", err.Error())
	}
	return nil
}
