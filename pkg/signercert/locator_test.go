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

package signercert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11pki/internal/testutil"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/token"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

type fakeToken struct {
	byID    []byte
	byLabel []byte
	calls   []token.Selector
}

func (f *fakeToken) ReadCertificate(_ context.Context, _ *workspace.Workspace, _ types.KeyReference, sel token.Selector) ([]byte, error) {
	f.calls = append(f.calls, sel)
	var data []byte
	if sel == token.ByID {
		data = f.byID
	} else {
		data = f.byLabel
	}
	if data == nil {
		return nil, token.ErrObjectNotFound
	}
	return data, nil
}

func (f *fakeToken) WriteCertificate(context.Context, *workspace.Workspace, types.KeyReference, []byte, string) error {
	return nil
}

type fakeIssued map[string][]byte

func (f fakeIssued) SignerPEM(keyID string) ([]byte, error) {
	if pem, ok := f[keyID]; ok {
		return pem, nil
	}
	return nil, types.ErrNotFound
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Cleanup() })
	return ws
}

var ref = types.KeyReference{ID: "01", PIN: types.Secret("1234")}

func TestLocate_SuppliedPEMWins(t *testing.T) {
	cert := testutil.MustSelfSigned(testutil.CertOptions{})
	tok := &fakeToken{byID: cert.Cert.Raw}
	l := NewLocator(tok, nil, logging.Discard())
	ws := newWorkspace(t)

	path, src, err := l.Locate(context.Background(), ws, ref, string(cert.CertPEM))
	require.NoError(t, err)
	assert.Equal(t, SourceSupplied, src)
	assert.Equal(t, ws.MustPath("signer.pem"), path)
	assert.Empty(t, tok.calls)

	data, err := ws.Read("signer.pem")
	require.NoError(t, err)
	assert.Equal(t, cert.CertPEM, data)
}

func TestLocate_MalformedSuppliedFallsThroughToToken(t *testing.T) {
	cert := testutil.MustSelfSigned(testutil.CertOptions{})
	tok := &fakeToken{byID: cert.Cert.Raw}
	l := NewLocator(tok, nil, logging.Discard())

	_, src, err := l.Locate(context.Background(), newWorkspace(t), ref, "-----BEGIN CERTIFICATE-----\nnope\n-----END CERTIFICATE-----\n")
	require.NoError(t, err)
	assert.Equal(t, SourceTokenID, src)
}

func TestLocate_IssuedSignerBeforeToken(t *testing.T) {
	cert := testutil.MustSelfSigned(testutil.CertOptions{})
	tok := &fakeToken{byID: cert.Cert.Raw}
	l := NewLocator(tok, fakeIssued{"01": cert.CertPEM}, logging.Discard())

	_, src, err := l.Locate(context.Background(), newWorkspace(t), ref, "")
	require.NoError(t, err)
	assert.Equal(t, SourceIssued, src)
	assert.Empty(t, tok.calls)
}

func TestLocate_TokenIDThenLabel(t *testing.T) {
	cert := testutil.MustSelfSigned(testutil.CertOptions{})
	tok := &fakeToken{byLabel: cert.Cert.Raw}
	l := NewLocator(tok, fakeIssued{}, logging.Discard())
	ws := newWorkspace(t)

	_, src, err := l.Locate(context.Background(), ws, ref, "")
	require.NoError(t, err)
	assert.Equal(t, SourceTokenLabel, src)
	assert.Equal(t, []token.Selector{token.ByID, token.ByLabel}, tok.calls)

	data, err := ws.Read("signer.pem")
	require.NoError(t, err)
	assert.Equal(t, cert.CertPEM, data)
}

func TestLocate_NotFound(t *testing.T) {
	l := NewLocator(&fakeToken{}, nil, logging.Discard())
	_, _, err := l.Locate(context.Background(), newWorkspace(t), ref, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTokenArtifactMissing))
	assert.Contains(t, err.Error(), "supply signerCertPem")
	assert.Contains(t, types.DiagnosticText(err), "token-label")
}

func TestLocate_EmptyKeyID(t *testing.T) {
	l := NewLocator(&fakeToken{}, nil, logging.Discard())
	_, _, err := l.Locate(context.Background(), newWorkspace(t), types.KeyReference{}, "")
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestLocate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLocator(&fakeToken{}, nil, logging.Discard())
	_, _, err := l.Locate(ctx, newWorkspace(t), ref, "")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCertificatePEM(t *testing.T) {
	cert := testutil.MustSelfSigned(testutil.CertOptions{})

	fromDER, err := CertificatePEM(cert.Cert.Raw)
	require.NoError(t, err)
	assert.Equal(t, cert.CertPEM, fromDER)

	fromPEM, err := CertificatePEM(append([]byte("\n"), cert.CertPEM...))
	require.NoError(t, err)
	assert.Equal(t, cert.CertPEM, fromPEM)

	for _, bad := range [][]byte{nil, []byte("junk"), cert.KeyPEM} {
		_, err := CertificatePEM(bad)
		assert.ErrorIs(t, err, ErrInvalidPEM)
	}
}
