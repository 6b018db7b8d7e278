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

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11pki/internal/testutil"
	"github.com/jeremyhahn/go-p11pki/pkg/correlation"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/pki"
	"github.com/jeremyhahn/go-p11pki/pkg/ratelimit"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/storage"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain/mocks"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

const testPIN = "rest-pin-4242"

type testServer struct {
	t      *testing.T
	fake   *testutil.FakeToolchain
	server *Server
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	fake := testutil.NewFakeToolchain()
	store, err := records.New(storage.NewMemory(), &records.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	svc, err := pki.New(store, &pki.Options{
		WorkDir: t.TempDir(),
		Runner:  fake.Runner(),
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)

	cfg := &Config{
		Service:     svc,
		Version:     "test",
		MetricsPath: "/metrics",
		Logger:      logging.Discard(),
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return &testServer{t: t, fake: fake, server: srv}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return ts.do(req)
}

func (ts *testServer) doMultipart(path string, fields map[string]string, files map[string][]byte) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(ts.t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".bin")
		require.NoError(ts.t, err)
		_, err = fw.Write(data)
		require.NoError(ts.t, err)
	}
	require.NoError(ts.t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return ts.do(req)
}

func (ts *testServer) issue() *records.CertificateRecord {
	ts.t.Helper()
	resp := ts.doJSON(http.MethodPost, "/api/v1/certificates", IssueCertificateRequest{
		KeyID:   "01",
		PIN:     testPIN,
		Subject: types.SubjectDescriptor{CN: "api.example", O: "Acme"},
		SAN:     "DNS:api.example",
	})
	require.Equal(ts.t, http.StatusCreated, resp.Code, resp.Body.String())
	var rec records.CertificateRecord
	require.NoError(ts.t, json.Unmarshal(resp.Body.Bytes(), &rec))
	return &rec
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
	_, err = NewServer(&Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get(correlation.HeaderName))
}

func TestCorrelationIDEchoed(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/certificates/missing", nil)
	req.Header.Set(correlation.HeaderName, "req-123")
	resp := ts.do(req)
	assert.Equal(t, "req-123", resp.Header().Get(correlation.HeaderName))
	assert.Equal(t, http.StatusNotFound, resp.Code)
	body := decodeError(t, resp)
	assert.Equal(t, "not_found", body.Code)
	assert.Equal(t, "req-123", body.CorrelationID)
}

func TestCertificateLifecycle(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.issue()
	assert.Equal(t, records.StatusValid, rec.Status)
	assert.Equal(t, "DNS:api.example", rec.SAN)

	resp := ts.doJSON(http.MethodGet, "/api/v1/certificates?status=valid", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list ListCertificatesResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	resp = ts.doJSON(http.MethodGet, "/api/v1/certificates/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.doJSON(http.MethodGet, "/api/v1/certificates/"+rec.ID+"/pem", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/x-pem-file", resp.Header().Get("Content-Type"))
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "cert-01.pem")
	assert.True(t, strings.HasPrefix(resp.Body.String(), "-----BEGIN CERTIFICATE-----"))

	resp = ts.doJSON(http.MethodGet, "/api/v1/certificates/"+rec.ID+"/der", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/pkix-cert", resp.Header().Get("Content-Type"))
	assert.Equal(t, byte(0x30), resp.Body.Bytes()[0])

	resp = ts.doJSON(http.MethodPost, "/api/v1/certificates/"+rec.ID+"/revoke", RevokeCertificateRequest{Reason: "keyCompromise"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var first records.CertificateRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &first))

	resp = ts.doJSON(http.MethodPost, "/api/v1/certificates/"+rec.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var second records.CertificateRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &second))
	assert.Equal(t, first.RevocationDate, second.RevocationDate)
	assert.Equal(t, "keyCompromise", second.RevocationReason)
}

func TestRotate(t *testing.T) {
	ts := newTestServer(t)
	old := ts.issue()
	resp := ts.doJSON(http.MethodPost, "/api/v1/certificates/rotate", IssueCertificateRequest{
		KeyID:          "01",
		PIN:            testPIN,
		Subject:        types.SubjectDescriptor{CN: "api.example"},
		RevokePrevious: true,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var out struct {
		Certificate records.CertificateRecord   `json:"certificate"`
		Revoked     []records.CertificateRecord `json:"revoked"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out.Revoked, 1)
	assert.Equal(t, old.ID, out.Revoked[0].ID)
}

func TestIssue_Errors(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.doJSON(http.MethodPost, "/api/v1/certificates", IssueCertificateRequest{
		KeyID:   "01",
		Subject: types.SubjectDescriptor{CN: "x"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "configuration", decodeError(t, resp).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/certificates", strings.NewReader("{not json"))
	resp = ts.do(req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_request", decodeError(t, resp).Code)
}

func TestIssue_VerboseDiagnostic(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.Accept = func(types.Mode, string) bool { return false }
	body := IssueCertificateRequest{KeyID: "01", PIN: testPIN, Subject: types.SubjectDescriptor{CN: "x"}}

	resp := ts.doJSON(http.MethodPost, "/api/v1/certificates", body)
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	quiet := decodeError(t, resp)
	assert.Equal(t, "candidate_exhausted", quiet.Code)
	assert.Empty(t, quiet.Diagnostic)

	resp = ts.doJSON(http.MethodPost, "/api/v1/certificates?verbose=1", body)
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	loud := decodeError(t, resp)
	assert.NotEmpty(t, loud.Diagnostic)
	assert.NotContains(t, resp.Body.String(), testPIN)
}

func TestBackendUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.ProviderActive = false
	ts.fake.EngineAvailable = false

	resp := ts.doJSON(http.MethodGet, "/api/v1/backends", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var backends BackendsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &backends))
	assert.False(t, backends.Available)

	resp = ts.doJSON(http.MethodPost, "/api/v1/certificates", IssueCertificateRequest{
		KeyID: "01", PIN: testPIN, Subject: types.SubjectDescriptor{CN: "x"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "backend_unavailable", decodeError(t, resp).Code)
}

func TestSignAndVerify(t *testing.T) {
	ts := newTestServer(t)
	cert := ts.issue()

	resp := ts.doMultipart("/api/v1/signatures",
		map[string]string{"keyId": "01", "pin": testPIN, "documentName": "invoice.pdf"},
		map[string][]byte{"document": []byte("invoice body")})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var sig records.SignatureRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sig))
	assert.Equal(t, cert.ID, sig.CertificateID)
	assert.Equal(t, "invoice.pdf", sig.Document)
	assert.True(t, sig.Detached)
	assert.Equal(t, sig.DownloadURL, resp.Header().Get("Location"))
	assert.NotContains(t, resp.Body.String(), testPIN)

	resp = ts.doJSON(http.MethodGet, sig.DownloadURL, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/pkcs7-signature", resp.Header().Get("Content-Type"))
	assert.Equal(t, "fake-cms-der", resp.Body.String())

	resp = ts.doJSON(http.MethodGet, "/api/v1/signatures?keyId=01", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list ListSignaturesResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	resp = ts.doJSON(http.MethodGet, "/api/v1/signatures/"+sig.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.doMultipart("/api/v1/verify", nil, map[string][]byte{
		"signature": []byte("fake-cms-der"),
		"content":   []byte("invoice body"),
	})
	require.Equal(t, http.StatusOK, resp.Code)
	var result types.VerificationResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result.Verified)
	assert.False(t, result.TrustChecked)
	assert.Equal(t, types.NoticeIntegrityOnly, result.Notice)

	ts.fake.VerifyStderr = func(string) string { return "Verification failure" }
	resp = ts.doMultipart("/api/v1/verify", nil, map[string][]byte{
		"signature": []byte("fake-cms-der"),
		"content":   []byte("tampered"),
	})
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result.Verified)
	assert.Equal(t, types.ReasonVerificationFailed, result.ReasonCode)
}

func TestSign_Enveloped(t *testing.T) {
	ts := newTestServer(t)
	ts.issue()
	resp := ts.doMultipart("/api/v1/signatures",
		map[string]string{"keyId": "01", "pin": testPIN, "detached": "false"},
		map[string][]byte{"document": []byte("payload")})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var sig records.SignatureRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sig))
	assert.False(t, sig.Detached)

	resp = ts.doJSON(http.MethodGet, sig.DownloadURL, nil)
	assert.Equal(t, "application/pkcs7-mime", resp.Header().Get("Content-Type"))
}

func TestSign_SuppliedSignerCertificate(t *testing.T) {
	ts := newTestServer(t)
	signer := testutil.MustSelfSigned(testutil.CertOptions{CommonName: "Document Signer"})

	var signerSeen [][]byte
	ts.fake.Before = func(_ context.Context, cmd *toolchain.Command) error {
		if mocks.IsSubcommand(cmd, "cms") && mocks.HasArg(cmd.Args, "-sign") {
			p, _ := mocks.ArgValue(cmd.Args, "-signer")
			data, _ := os.ReadFile(p)
			signerSeen = append(signerSeen, data)
		}
		return nil
	}

	resp := ts.doMultipart("/api/v1/signatures",
		map[string]string{"keyId": "01", "pin": testPIN, "signerCertPem": string(signer.CertPEM)},
		map[string][]byte{"document": []byte("payload")})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = ts.doMultipart("/api/v1/signatures",
		map[string]string{"keyId": "01", "pin": testPIN},
		map[string][]byte{"document": []byte("payload"), "signerCert": signer.CertPEM})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	require.Len(t, signerSeen, 2)
	for _, seen := range signerSeen {
		assert.Equal(t, signer.CertPEM, seen)
	}
}

func TestSign_Errors(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.doMultipart("/api/v1/signatures", map[string]string{"keyId": "01", "pin": testPIN}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.doMultipart("/api/v1/signatures",
		map[string]string{"keyId": "01", "pin": testPIN, "detached": "maybe"},
		map[string][]byte{"document": []byte("x")})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.doMultipart("/api/v1/signatures",
		map[string]string{"keyId": "01", "pin": testPIN},
		map[string][]byte{"document": []byte("x")})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "token_artifact_missing", decodeError(t, resp).Code)

	resp = ts.doMultipart("/api/v1/verify", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/signatures", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	resp = ts.do(req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUploadLimit(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.MaxUploadBytes = 1024 })
	resp := ts.doMultipart("/api/v1/signatures",
		map[string]string{"keyId": "01", "pin": testPIN},
		map[string][]byte{"document": bytes.Repeat([]byte("a"), 4096)})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_request", decodeError(t, resp).Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(&ratelimit.Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	defer limiter.Stop()
	ts := newTestServer(t, func(c *Config) { c.RateLimiter = limiter })

	resp := ts.doJSON(http.MethodGet, "/api/v1/certificates", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = ts.doJSON(http.MethodGet, "/api/v1/certificates", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	resp = ts.doJSON(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.doJSON(http.MethodGet, "/health", nil)
	resp := ts.doJSON(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "# HELP")
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.doJSON(http.MethodGet, "/api/v2/nothing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	ts := newTestServer(t)
	h := ts.server.RecoveryMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeError(t, rec).Code)
}

func TestMapErrorToStatusCode(t *testing.T) {
	cases := map[error]int{
		types.NewConfigurationError("x"): http.StatusBadRequest,
		types.ErrNotFound:                http.StatusNotFound,
		types.ErrTokenArtifactMissing:    http.StatusUnprocessableEntity,
		types.ErrCandidateExhausted:      http.StatusBadGateway,
		types.ErrBackendUnavailable:      http.StatusServiceUnavailable,
		types.ErrStoreCorruption:         http.StatusInternalServerError,
		io.ErrUnexpectedEOF:              http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, mapErrorToStatusCode(err), err.Error())
	}
}
