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

package cms

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11pki/internal/testutil"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/openssl"
	"github.com/jeremyhahn/go-p11pki/pkg/pkcs11uri"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/signercert"
	"github.com/jeremyhahn/go-p11pki/pkg/storage"
	"github.com/jeremyhahn/go-p11pki/pkg/token"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain/mocks"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

const testPIN = "pin-9876-secret"

type fixture struct {
	fake    *testutil.FakeToolchain
	engine  *Engine
	store   *records.Store
	signer  *testutil.TestCertificate
	workDir string
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, fake *testutil.FakeToolchain) *fixture {
	t.Helper()
	runner := fake.Runner()
	logs := &bytes.Buffer{}
	logger := logging.NewLoggerWithConfig(logging.Config{Level: "debug", Output: logs})

	cfg := &openssl.Config{}
	cfg.SetDefaults()
	store, err := records.New(storage.NewMemory(), &records.Options{Logger: logger})
	require.NoError(t, err)
	tokens := token.NewTool(&token.Config{ModulePath: "/usr/lib/opensc-pkcs11.so"}, runner, logger)

	workDir := t.TempDir()
	locator := signercert.NewLocator(tokens, store, logger)
	engine := NewEngine(openssl.NewNegotiator(cfg, runner, logger), runner, store, locator, &Options{
		WorkDir: workDir,
		Logger:  logger,
	})
	return &fixture{
		fake:    fake,
		engine:  engine,
		store:   store,
		signer:  testutil.MustSelfSigned(testutil.CertOptions{CommonName: "Document Signer"}),
		workDir: workDir,
		logs:    logs,
	}
}

func (f *fixture) withIssuedSigner(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.PutSignerPEM("01", f.signer.CertPEM))
}

func (f *fixture) assertWorkspaceClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

func (f *fixture) calls(match func(*toolchain.Command) bool) []toolchain.Command {
	var out []toolchain.Command
	for _, c := range f.fake.Runner().Recorded() {
		c := c
		if match(&c) {
			out = append(out, c)
		}
	}
	return out
}

func isCMSSign(c *toolchain.Command) bool {
	return mocks.IsSubcommand(c, "cms") && mocks.HasArg(c.Args, "-sign")
}

func isCMSVerify(c *toolchain.Command) bool {
	return mocks.IsSubcommand(c, "cms") && mocks.HasArg(c.Args, "-verify")
}

func signRequest(detached bool) SignRequest {
	return SignRequest{
		Document:     []byte("quarterly report"),
		DocumentName: "reports/q3.pdf",
		Key:          types.KeyReference{ID: "01", PIN: types.Secret(testPIN)},
		Detached:     detached,
	}
}

func readArtifact(t *testing.T, store *records.Store, key string) []byte {
	t.Helper()
	rc, err := store.OpenArtifact(key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestSign_Detached(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())
	f.withIssuedSigner(t)

	rec, err := f.engine.Sign(context.Background(), signRequest(true))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("quarterly report"))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "q3.pdf", rec.Document)
	assert.Equal(t, int64(len("quarterly report")), rec.DocumentSize)
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.DocumentSHA256)
	assert.Equal(t, records.Algorithm, rec.Algorithm)
	assert.Equal(t, "01", rec.KeyID)
	assert.True(t, rec.Detached)
	assert.Equal(t, types.ModeProvider.String(), rec.Mode)
	assert.Equal(t, "signatures/"+rec.ID+".p7s", rec.OutputPath)
	assert.Equal(t, "q3.pdf.p7s", rec.OutputName)
	assert.Equal(t, "/api/v1/signatures/"+rec.ID+"/artifact", rec.DownloadURL)
	assert.NotEmpty(t, rec.Timestamp)

	assert.Equal(t, []byte("fake-cms-der"), readArtifact(t, f.store, rec.OutputPath))

	stored, err := f.store.GetSignature(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	signs := f.calls(isCMSSign)
	require.Len(t, signs, 1)
	assert.False(t, mocks.HasArg(signs[0].Args, "-nodetach"))
	assert.Equal(t, "DER", func() string { v, _ := mocks.ArgValue(signs[0].Args, "-outform"); return v }())

	f.assertWorkspaceClean(t)
}

func TestSign_Enveloped(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())
	f.withIssuedSigner(t)

	req := signRequest(false)
	req.DocumentName = ""
	rec, err := f.engine.Sign(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, DefaultDocumentName, rec.Document)
	assert.Equal(t, "document.bin.p7m", rec.OutputName)
	assert.True(t, strings.HasSuffix(rec.OutputPath, ".p7m"))

	signs := f.calls(isCMSSign)
	require.Len(t, signs, 1)
	assert.True(t, mocks.HasArg(signs[0].Args, "-nodetach"))
}

func TestSign_LinksLatestCertificate(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())
	f.withIssuedSigner(t)
	cert := &records.CertificateRecord{KeyID: "01", Subject: "CN=Document Signer", Issued: "2026-01-02T03:04:05Z"}
	require.NoError(t, f.store.AppendCertificate(cert))

	rec, err := f.engine.Sign(context.Background(), signRequest(true))
	require.NoError(t, err)
	assert.Equal(t, cert.ID, rec.CertificateID)
}

func TestSign_SignerFromSuppliedPEM(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())

	var signerSeen []byte
	f.fake.Before = func(_ context.Context, cmd *toolchain.Command) error {
		if isCMSSign(cmd) {
			p, _ := mocks.ArgValue(cmd.Args, "-signer")
			signerSeen, _ = os.ReadFile(p)
		}
		return nil
	}

	req := signRequest(true)
	req.SignerCertPEM = string(f.signer.CertPEM)
	_, err := f.engine.Sign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, f.signer.CertPEM, signerSeen)
}

func TestSign_EngineFallback(t *testing.T) {
	fake := testutil.NewFakeToolchain()
	fake.Accept = func(mode types.Mode, _ string) bool { return mode == types.ModeEngine }
	f := newFixture(t, fake)
	f.withIssuedSigner(t)

	rec, err := f.engine.Sign(context.Background(), signRequest(true))
	require.NoError(t, err)
	assert.Equal(t, types.ModeEngine.String(), rec.Mode)

	signs := f.calls(isCMSSign)
	require.Greater(t, len(signs), 1)
	assert.Equal(t, types.ModeProvider, testutil.ModeOf(&signs[0]))
	assert.Equal(t, types.ModeEngine, testutil.ModeOf(&signs[len(signs)-1]))
}

func TestSign_Exhausted(t *testing.T) {
	fake := testutil.NewFakeToolchain()
	fake.Accept = func(types.Mode, string) bool { return false }
	f := newFixture(t, fake)
	f.withIssuedSigner(t)

	_, err := f.engine.Sign(context.Background(), signRequest(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCandidateExhausted))
	assert.Contains(t, err.Error(), "unable to load signing key file")
	assert.NotContains(t, types.DiagnosticText(err), testPIN)

	sigs, err := f.store.ListSignatures(records.SignatureFilter{})
	require.NoError(t, err)
	assert.Empty(t, sigs)
	f.assertWorkspaceClean(t)
}

func TestSign_SignerMissing(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())

	_, err := f.engine.Sign(context.Background(), signRequest(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTokenArtifactMissing))
	assert.Empty(t, f.calls(isCMSSign))
	f.assertWorkspaceClean(t)
}

func TestSign_Validation(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())

	req := signRequest(true)
	req.Document = nil
	_, err := f.engine.Sign(context.Background(), req)
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	req = signRequest(true)
	req.Key.ID = ""
	_, err = f.engine.Sign(context.Background(), req)
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	assert.Zero(t, f.fake.Runner().CallCount())
}

func TestSign_CancelledPersistsNothing(t *testing.T) {
	fake := testutil.NewFakeToolchain()
	ctx, cancel := context.WithCancel(context.Background())
	fake.Before = func(_ context.Context, cmd *toolchain.Command) error {
		if isCMSSign(cmd) {
			cancel()
		}
		return nil
	}
	f := newFixture(t, fake)
	f.withIssuedSigner(t)

	_, err := f.engine.Sign(ctx, signRequest(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	sigs, err := f.store.ListSignatures(records.SignatureFilter{})
	require.NoError(t, err)
	assert.Empty(t, sigs)
	f.assertWorkspaceClean(t)
}

func TestSign_PINNeverLogged(t *testing.T) {
	fake := testutil.NewFakeToolchain()
	fake.Accept = func(mode types.Mode, _ string) bool { return mode == types.ModeEngine }
	f := newFixture(t, fake)
	f.withIssuedSigner(t)

	_, err := f.engine.Sign(context.Background(), signRequest(true))
	require.NoError(t, err)
	assert.NotContains(t, f.logs.String(), testPIN)
	assert.Contains(t, f.logs.String(), "key candidate rejected")
}

func TestVerify_PEMFirst(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())

	res := f.engine.Verify(context.Background(), VerifyRequest{Signature: []byte("sig"), Content: []byte("doc")})
	assert.True(t, res.Verified)
	assert.Equal(t, EncodingPEM, res.Encoding)
	assert.False(t, res.TrustChecked)
	assert.Equal(t, types.NoticeIntegrityOnly, res.Notice)
	assert.Contains(t, res.SignerInfo, "pkcs7-signedData")
	assert.NoError(t, res.Err())

	verifies := f.calls(isCMSVerify)
	require.Len(t, verifies, 1)
	assert.True(t, mocks.HasArg(verifies[0].Args, "-noverify"))
	out, _ := mocks.ArgValue(verifies[0].Args, "-out")
	assert.Equal(t, os.DevNull, out)
	_, hasContent := mocks.ArgValue(verifies[0].Args, "-content")
	assert.True(t, hasContent)
	f.assertWorkspaceClean(t)
}

func TestVerify_DERFallback(t *testing.T) {
	fake := testutil.NewFakeToolchain()
	fake.VerifyStderr = func(inform string) string {
		if inform == EncodingPEM {
			return "Error reading S/MIME message\nno content type"
		}
		return ""
	}
	f := newFixture(t, fake)

	res := f.engine.Verify(context.Background(), VerifyRequest{Signature: []byte{0x30, 0x80}})
	assert.True(t, res.Verified)
	assert.Equal(t, EncodingDER, res.Encoding)
	assert.Len(t, f.calls(isCMSVerify), 2)
}

func TestVerify_WithCABundle(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())

	res := f.engine.Verify(context.Background(), VerifyRequest{Signature: []byte("sig"), CABundle: f.signer.CertPEM})
	assert.True(t, res.Verified)
	assert.True(t, res.TrustChecked)
	assert.Empty(t, res.Notice)

	verifies := f.calls(isCMSVerify)
	require.Len(t, verifies, 1)
	assert.False(t, mocks.HasArg(verifies[0].Args, "-noverify"))
	_, hasCA := mocks.ArgValue(verifies[0].Args, "-CAfile")
	assert.True(t, hasCA)
}

func TestVerify_Classification(t *testing.T) {
	tests := []struct {
		name     string
		pem      string
		der      string
		code     string
		encoding string
	}{
		{
			name: "not cms in either encoding",
			pem:  "Error reading S/MIME message",
			der:  "Error reading S/MIME message\nheader too long",
			code: types.ReasonNotCMS,
		},
		{
			name:     "der parses but digest mismatches",
			pem:      "Error reading S/MIME message",
			der:      "Verification failure\ncontent verify error",
			code:     types.ReasonVerificationFailed,
			encoding: EncodingDER,
		},
		{
			name:     "pem parses but chain is untrusted",
			pem:      "Verification failure\nunable to get local issuer certificate",
			der:      "Error reading S/MIME message",
			code:     types.ReasonVerificationFailed,
			encoding: EncodingPEM,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeToolchain()
			fake.VerifyStderr = func(inform string) string {
				if inform == EncodingPEM {
					return tt.pem
				}
				return tt.der
			}
			f := newFixture(t, fake)

			res := f.engine.Verify(context.Background(), VerifyRequest{Signature: []byte("sig")})
			assert.False(t, res.Verified)
			assert.Equal(t, tt.code, res.ReasonCode)
			assert.Equal(t, tt.encoding, res.Encoding)
			assert.NotEmpty(t, res.Reason)
			assert.True(t, errors.Is(res.Err(), types.ErrVerificationFailed))
			f.assertWorkspaceClean(t)
		})
	}
}

func TestVerify_EmptySignature(t *testing.T) {
	f := newFixture(t, testutil.NewFakeToolchain())

	res := f.engine.Verify(context.Background(), VerifyRequest{})
	assert.False(t, res.Verified)
	assert.Equal(t, types.ReasonNotCMS, res.ReasonCode)
	assert.Zero(t, f.fake.Runner().CallCount())
}

func TestVerify_SignerInfoTruncated(t *testing.T) {
	fake := testutil.NewFakeToolchain()
	fake.PrintOut = strings.Repeat("x", 3*MaxSignerInfo)
	f := newFixture(t, fake)

	res := f.engine.Verify(context.Background(), VerifyRequest{Signature: []byte("sig")})
	assert.True(t, res.Verified)
	assert.LessOrEqual(t, len(res.SignerInfo), MaxSignerInfo+16)
}

func TestDocumentName(t *testing.T) {
	assert.Equal(t, DefaultDocumentName, documentName(""))
	assert.Equal(t, DefaultDocumentName, documentName("  "))
	assert.Equal(t, DefaultDocumentName, documentName("/"))
	assert.Equal(t, "a.txt", documentName("../../a.txt"))
	assert.Equal(t, "b.pdf", documentName(`C:\docs\b.pdf`))
}

func TestSign_EncodedPINNeverSurfaces(t *testing.T) {
	const pin = "s3cr#t pin"
	fake := testutil.NewFakeToolchain()
	fake.Accept = func(types.Mode, string) bool { return false }
	f := newFixture(t, fake)
	f.withIssuedSigner(t)
	req := signRequest(true)
	req.Key.PIN = pin

	_, err := f.engine.Sign(context.Background(), req)
	require.Error(t, err)

	diag := types.DiagnosticText(err)
	for _, form := range pkcs11uri.SecretForms(pin) {
		assert.NotContains(t, err.Error(), form)
		assert.NotContains(t, diag, form)
		assert.NotContains(t, f.logs.String(), form)
	}
}

func TestSign_TimeoutAdvancesToNextCandidate(t *testing.T) {
	fake := testutil.NewFakeToolchain()
	var timedOut int
	fake.Before = func(_ context.Context, cmd *toolchain.Command) error {
		if isCMSSign(cmd) && timedOut == 0 {
			timedOut++
			return &toolchain.Error{Kind: toolchain.ErrTimeout, Command: cmd.String()}
		}
		return nil
	}
	f := newFixture(t, fake)
	f.withIssuedSigner(t)

	rec, err := f.engine.Sign(context.Background(), signRequest(true))
	require.NoError(t, err)
	assert.Equal(t, 1, timedOut)
	assert.Equal(t, types.ModeProvider.String(), rec.Mode)

	signs := f.calls(isCMSSign)
	require.Len(t, signs, 2)
	assert.NotEqual(t, testutil.Locator(&signs[0]), testutil.Locator(&signs[1]))
	f.assertWorkspaceClean(t)
}
