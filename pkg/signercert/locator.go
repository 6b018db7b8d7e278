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

// Package signercert obtains the signer's X.509 certificate in PEM form
// before CMS signing: from a caller supplied PEM, from the signer PEM kept
// by a previous issuance, or from a certificate object on the token.
package signercert

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-p11pki/pkg/fallback"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/token"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

// Source identifies where the signer certificate came from.
type Source string

const (
	SourceSupplied   Source = "supplied"
	SourceIssued     Source = "issued"
	SourceTokenID    Source = "token-id"
	SourceTokenLabel Source = "token-label"
)

// signerFile is the workspace file handed to openssl -signer.
const signerFile = "signer.pem"

// ErrInvalidPEM is returned for input that is not a certificate PEM block.
var ErrInvalidPEM = errors.New("signercert: not a PEM encoded X.509 certificate")

// IssuedSigners returns the signer PEM stored by a previous issuance.
type IssuedSigners interface {
	SignerPEM(keyID string) ([]byte, error)
}

// Locator finds signer certificates.
type Locator struct {
	token  token.Store
	issued IssuedSigners
	logger *logging.Logger
}

// NewLocator returns a locator. issued may be nil.
func NewLocator(store token.Store, issued IssuedSigners, logger *logging.Logger) *Locator {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Locator{token: store, issued: issued, logger: logger}
}

// Locate writes the signer certificate into ws and returns its path.
// Order: supplied PEM, issued signer PEM, token object by id, token
// object by label. A malformed supplied PEM is skipped with a warning.
func (l *Locator) Locate(ctx context.Context, ws *workspace.Workspace, ref types.KeyReference, suppliedPEM string) (string, Source, error) {
	if ref.ID == "" {
		return "", "", types.NewConfigurationError("keyId is required")
	}

	attempts := []fallback.Attempt[Source]{
		{Name: string(SourceSupplied), Run: func(context.Context) (Source, error) {
			if suppliedPEM == "" {
				return "", errors.New("none supplied")
			}
			block, err := CertificatePEM([]byte(suppliedPEM))
			if err != nil {
				l.logger.Warn("supplied signer certificate rejected", "keyId", ref.ID, "error", err.Error())
				return "", err
			}
			return SourceSupplied, l.write(ws, block)
		}},
	}
	if l.issued != nil {
		attempts = append(attempts, fallback.Attempt[Source]{Name: string(SourceIssued), Run: func(context.Context) (Source, error) {
			data, err := l.issued.SignerPEM(ref.ID)
			if err != nil {
				return "", err
			}
			block, err := CertificatePEM(data)
			if err != nil {
				return "", err
			}
			return SourceIssued, l.write(ws, block)
		}})
	}
	if l.token != nil {
		for _, sel := range []token.Selector{token.ByID, token.ByLabel} {
			sel := sel
			src := SourceTokenID
			if sel == token.ByLabel {
				src = SourceTokenLabel
			}
			attempts = append(attempts, fallback.Attempt[Source]{Name: string(src), Run: func(ctx context.Context) (Source, error) {
				der, err := l.token.ReadCertificate(ctx, ws, ref, sel)
				if err != nil {
					return "", err
				}
				block, err := CertificatePEM(der)
				if err != nil {
					return "", err
				}
				return src, l.write(ws, block)
			}})
		}
	}

	res, err := fallback.First(ctx, attempts, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", "", ctxErr
		}
		var diag string
		var fe *fallback.Error
		if errors.As(err, &fe) {
			diag = fe.Diagnostic()
		}
		return "", "", &types.OperationError{
			Op:         "locate signer",
			Kind:       types.ErrTokenArtifactMissing,
			Reason:     fmt.Sprintf("key %q", ref.ID),
			Diagnostic: types.TruncateDiagnostic(diag),
		}
	}

	path, err := ws.Path(signerFile)
	if err != nil {
		return "", "", err
	}
	l.logger.Debug("signer certificate located", "keyId", ref.ID, "source", string(res.Value))
	return path, res.Value, nil
}

func (l *Locator) write(ws *workspace.Workspace, pemBytes []byte) error {
	_, err := ws.Write(signerFile, pemBytes)
	return err
}

// CertificatePEM accepts a PEM CERTIFICATE block or raw DER and returns a
// single PEM CERTIFICATE block after checking that it parses.
func CertificatePEM(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrInvalidPEM
	}
	der := data
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, ErrInvalidPEM
		}
		der = block.Bytes
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}
