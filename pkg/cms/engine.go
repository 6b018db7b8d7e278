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

// Package cms produces and checks CMS/PKCS #7 signatures with a key held
// on a PKCS #11 token. Signing walks the same backend plan and key
// locators as certificate issuance; verification needs no token at all.
package cms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
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
	"github.com/jeremyhahn/go-p11pki/pkg/signercert"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

// DefaultDocumentName names documents submitted without a name.
const DefaultDocumentName = "document.bin"

// MaxSignerInfo bounds the signer structure dump returned by Verify.
const MaxSignerInfo = 4096

// Encodings tried by Verify, in order.
const (
	EncodingPEM = "PEM"
	EncodingDER = "DER"
)

// Workspace file names.
const (
	documentFile  = "document.bin"
	signatureFile = "signature.der"
	verifyInput   = "verify.input"
	contentFile   = "content.bin"
	caFile        = "ca.pem"
)

// Options configure an Engine.
type Options struct {
	TokenLabels []string
	ModulePath  string
	WorkDir     string
	Logger      *logging.Logger
}

// SignRequest describes one document to sign.
type SignRequest struct {
	Document     []byte
	DocumentName string
	Key          types.KeyReference
	// Detached omits the content from the signature (.p7s).
	Detached bool
	// SignerCertPEM overrides signer certificate discovery when valid.
	SignerCertPEM string
}

// VerifyRequest describes one signature to check.
type VerifyRequest struct {
	Signature []byte
	// Content is required for detached signatures.
	Content []byte
	// CABundle enables chain validation when non-empty.
	CABundle []byte
}

// Engine signs and verifies CMS structures.
type Engine struct {
	planner openssl.Planner
	runner  toolchain.Runner
	store   *records.Store
	locator *signercert.Locator
	opts    Options
	logger  *logging.Logger
}

// NewEngine returns an Engine.
func NewEngine(planner openssl.Planner, runner toolchain.Runner, store *records.Store, locator *signercert.Locator, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Engine{
		planner: planner,
		runner:  runner,
		store:   store,
		locator: locator,
		opts:    *opts,
		logger:  logger,
	}
}

type signedDoc struct {
	der  []byte
	mode types.Mode
}

// Sign produces a CMS signature over req.Document with the token key,
// stores the DER artifact and appends a signature record.
func (e *Engine) Sign(ctx context.Context, req SignRequest) (rec *records.SignatureRecord, err error) {
	start := time.Now()
	mode := metrics.ModeNone
	defer func() {
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
			metrics.RecordError(metrics.OpSign, types.KindOf(err))
		}
		metrics.RecordOperation(metrics.OpSign, mode, status, time.Since(start).Seconds())
	}()

	if len(req.Document) == 0 {
		return nil, types.NewConfigurationError("document is empty")
	}
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}
	log := correlation.Logger(ctx, e.logger).WithSecrets(pkcs11uri.SecretForms(req.Key.PIN.Reveal())...).With("op", metrics.OpSign, "keyId", req.Key.ID)

	ws, err := workspace.New(e.opts.WorkDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ws.Cleanup(); cerr != nil {
			log.Warn("workspace cleanup failed", "error", cerr.Error())
		}
	}()

	docPath, err := ws.Write(documentFile, req.Document)
	if err != nil {
		return nil, err
	}

	signerPath, source, err := e.locator.Locate(ctx, ws, req.Key, req.SignerCertPEM)
	if err != nil {
		return nil, err
	}
	log.Debug("signer certificate located", "source", string(source))

	plan, err := e.planner.Plan(ctx)
	if err != nil {
		return nil, err
	}

	result, err := e.sign(ctx, ws, plan, req, docPath, signerPath, log)
	if err != nil {
		return nil, err
	}
	mode = result.mode.String()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := documentName(req.DocumentName)
	sum := sha256.Sum256(req.Document)
	rec = &records.SignatureRecord{
		ID:             uuid.NewString(),
		Timestamp:      e.store.Now().UTC().Format(time.RFC3339),
		Document:       name,
		DocumentSize:   int64(len(req.Document)),
		DocumentSHA256: hex.EncodeToString(sum[:]),
		Algorithm:      records.Algorithm,
		KeyID:          req.Key.ID,
		Detached:       req.Detached,
		Mode:           result.mode.String(),
		OutputName:     name + "." + records.SignatureExtension(req.Detached),
	}
	rec.OutputPath = records.SignatureKey(rec.ID, req.Detached)
	rec.DownloadURL = records.SignatureDownloadURL(rec.ID)
	if cert, err := e.store.FindByKey(req.Key.ID); err == nil {
		rec.CertificateID = cert.ID
	}

	if err := e.store.PutArtifact(rec.OutputPath, result.der); err != nil {
		return nil, err
	}
	if err := e.store.AppendSignature(rec); err != nil {
		_ = e.store.DeleteArtifact(rec.OutputPath)
		return nil, err
	}

	log.Info("document signed",
		"id", rec.ID,
		"document", rec.Document,
		"detached", rec.Detached,
		"mode", rec.Mode,
		"signerSource", string(source))
	return rec, nil
}

func documentName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return DefaultDocumentName
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return DefaultDocumentName
	}
	return base
}

func (e *Engine) sign(ctx context.Context, ws *workspace.Workspace, plan *openssl.Plan, req SignRequest, docPath, signerPath string, log *logging.Logger) (*signedDoc, error) {
	attempts := make([]fallback.Attempt[*signedDoc], 0, len(plan.Modes))
	for _, mode := range plan.Modes {
		mode := mode
		attempts = append(attempts, fallback.Attempt[*signedDoc]{
			Name: mode.String(),
			Run: func(ctx context.Context) (*signedDoc, error) {
				return e.signWithMode(ctx, ws, mode, req, docPath, signerPath, log)
			},
		})
	}
	res, err := fallback.First(ctx, attempts, &fallback.Options{Terminal: toolchain.IsFatal})
	if err != nil {
		return nil, e.exhausted(ctx, plan, req, err, log)
	}
	return res.Value, nil
}

func (e *Engine) signWithMode(ctx context.Context, ws *workspace.Workspace, mode types.Mode, req SignRequest, docPath, signerPath string, log *logging.Logger) (*signedDoc, error) {
	cands, err := pkcs11uri.Candidates(mode, req.Key, e.opts.TokenLabels, pkcs11uri.Options{ModulePath: e.opts.ModulePath})
	if err != nil {
		return nil, err
	}
	cmds := openssl.NewCommands(e.planner.Config(), mode)

	attempts := make([]fallback.Attempt[*signedDoc], 0, len(cands))
	for _, c := range cands {
		c := c
		attempts = append(attempts, fallback.Attempt[*signedDoc]{
			Name: log.Redact(c.Locator),
			Run: func(ctx context.Context) (*signedDoc, error) {
				if err := ws.Remove(signatureFile); err != nil {
					return nil, err
				}
				outPath, err := ws.Path(signatureFile)
				if err != nil {
					return nil, err
				}
				if _, err := e.runner.Run(ctx, cmds.CMSSignCommand(c.Locator, req.Key.PIN, docPath, signerPath, req.Detached, outPath)); err != nil {
					return nil, err
				}
				der, err := ws.Read(signatureFile)
				if err != nil || len(der) == 0 {
					return nil, errors.New("openssl cms produced no signature")
				}
				return &signedDoc{der: der, mode: mode}, nil
			},
		})
	}

	res, err := fallback.First(ctx, attempts, &fallback.Options{
		Terminal: toolchain.IsFatal,
		OnFailure: func(f fallback.Failure) {
			metrics.RecordCandidate(metrics.OpSign, mode.String(), false)
			log.Debug("key candidate rejected", "mode", mode.String(), "locator", f.Name, "error", f.Err.Error())
		},
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordCandidate(metrics.OpSign, mode.String(), true)
	log.Debug("key candidate accepted", "mode", mode.String(), "locator", res.Name, "attempt", res.Index+1)
	return res.Value, nil
}

func (e *Engine) exhausted(ctx context.Context, plan *openssl.Plan, req SignRequest, err error, log *logging.Logger) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, toolchain.ErrToolNotFound) {
		return &types.OperationError{
			Op:         "sign",
			Kind:       types.ErrBackendUnavailable,
			Reason:     "openssl is not installed",
			Diagnostic: log.Redact(err.Error()),
		}
	}
	var cfgErr *types.OperationError
	if errors.As(err, &cfgErr) && errors.Is(cfgErr, types.ErrConfiguration) {
		return cfgErr
	}

	diag := []string{"probes: " + plan.Diagnostic()}
	var last error
	for _, modeFailure := range fallback.Failures(err) {
		inner := fallback.Failures(modeFailure.Err)
		diag = append(diag, fmt.Sprintf("%s: %d candidate(s) failed", modeFailure.Name, len(inner)))
		for _, f := range inner {
			diag = append(diag, fmt.Sprintf("  %s: %v", f.Name, f.Err))
			last = f.Err
		}
	}

	reason := fmt.Sprintf("no key locator for %q produced a signature", req.Key.ID)
	if last != nil {
		reason += ": " + summarize(last)
	}
	if !plan.Has(types.ModeProvider) {
		reason += "; provider unavailable: " + plan.Provider.Reason
	}
	opErr := &types.OperationError{
		Op:         "sign",
		Kind:       types.ErrCandidateExhausted,
		Reason:     log.Redact(reason),
		Diagnostic: types.TruncateDiagnostic(log.Redact(strings.Join(diag, "\n"))),
	}
	log.Warn("signing failed", "reason", opErr.Reason)
	log.Debug("signing diagnostic", "diagnostic", opErr.Diagnostic)
	return opErr
}

func summarize(err error) string {
	var te *toolchain.Error
	if errors.As(err, &te) && te.Diagnostic != "" {
		return types.Truncate(strings.SplitN(te.Diagnostic, "\n", 2)[0], 256)
	}
	return types.Truncate(err.Error(), 256)
}

// verifyFailure carries a classified verify outcome through fallback.First.
type verifyFailure struct {
	encoding string
	failure  *openssl.Failure
}

func (f *verifyFailure) Error() string { return f.failure.Reason }

// Verify checks a CMS signature, trying PEM and then DER input. Without a
// CA bundle only integrity is checked and the result says so. Failures
// are reported in the result, never as an error.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (result *types.VerificationResult) {
	start := time.Now()
	result = &types.VerificationResult{TrustChecked: len(req.CABundle) > 0}
	if !result.TrustChecked {
		result.Notice = types.NoticeIntegrityOnly
	}
	defer func() {
		status := metrics.StatusSuccess
		if !result.Verified {
			status = metrics.StatusError
			metrics.RecordError(metrics.OpVerify, result.ReasonCode)
		}
		metrics.RecordOperation(metrics.OpVerify, metrics.ModeNone, status, time.Since(start).Seconds())
	}()
	log := correlation.Logger(ctx, e.logger).With("op", metrics.OpVerify)

	if len(req.Signature) == 0 {
		result.Reason = "signature is empty"
		result.ReasonCode = types.ReasonNotCMS
		return result
	}

	ws, err := workspace.New(e.opts.WorkDir)
	if err != nil {
		return internalFailure(result, err)
	}
	defer func() {
		if cerr := ws.Cleanup(); cerr != nil {
			log.Warn("workspace cleanup failed", "error", cerr.Error())
		}
	}()

	opts := openssl.VerifyOptions{}
	if opts.SignaturePath, err = ws.Write(verifyInput, req.Signature); err != nil {
		return internalFailure(result, err)
	}
	if len(req.Content) > 0 {
		if opts.ContentPath, err = ws.Write(contentFile, req.Content); err != nil {
			return internalFailure(result, err)
		}
	}
	if result.TrustChecked {
		if opts.CAPath, err = ws.Write(caFile, req.CABundle); err != nil {
			return internalFailure(result, err)
		}
	}

	cfg := e.planner.Config()
	encodings := []string{EncodingPEM, EncodingDER}
	attempts := make([]fallback.Attempt[string], 0, len(encodings))
	for _, enc := range encodings {
		enc := enc
		attempts = append(attempts, fallback.Attempt[string]{
			Name: enc,
			Run: func(ctx context.Context) (string, error) {
				o := opts
				o.Inform = enc
				res, err := e.runner.Run(ctx, openssl.CMSVerifyCommand(cfg, o))
				if errors.Is(err, toolchain.ErrToolNotFound) || ctx.Err() != nil {
					return "", err
				}
				outcome := openssl.ParseVerifyOutput(res.Diagnostic(), err)
				if !outcome.OK() {
					return "", &verifyFailure{encoding: enc, failure: outcome.Failure}
				}
				return enc, nil
			},
		})
	}

	res, err := fallback.First(ctx, attempts, &fallback.Options{Terminal: toolchain.IsFatal})
	if err == nil {
		result.Verified = true
		result.Encoding = res.Value
	} else {
		e.classify(ctx, result, err)
	}

	if result.Encoding != "" {
		result.SignerInfo = e.signerInfo(ctx, cfg, opts.SignaturePath, result.Encoding)
	}
	log.Info("signature verified",
		"verified", result.Verified,
		"encoding", result.Encoding,
		"trustChecked", result.TrustChecked,
		"reasonCode", result.ReasonCode)
	return result
}

// classify picks the most informative failure: a structure that parsed
// but did not verify beats one that was not CMS at all.
func (e *Engine) classify(ctx context.Context, result *types.VerificationResult, err error) {
	var chosen *verifyFailure
	for _, f := range fallback.Failures(err) {
		var vf *verifyFailure
		if !errors.As(f.Err, &vf) {
			continue
		}
		if chosen == nil || (chosen.failure.Code == types.ReasonNotCMS && vf.failure.Code != types.ReasonNotCMS) {
			chosen = vf
		}
	}
	if chosen == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		result.Reason = summarize(err)
		result.ReasonCode = types.ReasonVerificationFailed
		return
	}
	result.Reason = chosen.failure.Reason
	result.ReasonCode = chosen.failure.Code
	if chosen.failure.Code != types.ReasonNotCMS {
		result.Encoding = chosen.encoding
	}
}

func (e *Engine) signerInfo(ctx context.Context, cfg *openssl.Config, sigPath, encoding string) string {
	out, err := e.runner.Run(ctx, openssl.CMSPrintCommand(cfg, sigPath, encoding))
	if err != nil || out == nil {
		return ""
	}
	return types.Truncate(strings.TrimSpace(string(out.Stdout)), MaxSignerInfo)
}

func internalFailure(result *types.VerificationResult, err error) *types.VerificationResult {
	result.Reason = err.Error()
	result.ReasonCode = types.ReasonVerificationFailed
	return result
}
