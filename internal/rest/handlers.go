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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-p11pki/pkg/certificate"
	"github.com/jeremyhahn/go-p11pki/pkg/cms"
	"github.com/jeremyhahn/go-p11pki/pkg/correlation"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/pki"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// HandlerContext holds the dependencies shared by every handler.
type HandlerContext struct {
	service             *pki.Service
	logger              *logging.Logger
	version             string
	maxUploadBytes      int64
	defaultValidityDays int
}

// NewHandlerContext creates a new handler context.
func NewHandlerContext(service *pki.Service, logger *logging.Logger, version string, maxUploadBytes int64) *HandlerContext {
	return &HandlerContext{
		service:        service,
		logger:         logger,
		version:        version,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *HandlerContext) log(r *http.Request) *logging.Logger {
	return correlation.Logger(r.Context(), h.logger)
}

// HealthHandler handles GET /health requests.
func (h *HandlerContext) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok", Version: h.version}, http.StatusOK)
}

// BackendsHandler handles GET /api/v1/backends requests.
func (h *HandlerContext) BackendsHandler(w http.ResponseWriter, r *http.Request) {
	plan := h.service.Probe(r.Context())
	writeJSON(w, BackendsResponse{Plan: plan, Available: len(plan.Modes) > 0}, http.StatusOK)
}

// StatsHandler handles GET /api/v1/stats requests.
func (h *HandlerContext) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, StatsResponse{Stats: stats}, http.StatusOK)
}

func (req *IssueCertificateRequest) toIssueRequest() certificate.IssueRequest {
	return certificate.IssueRequest{
		Key: types.KeyReference{
			ID:         strings.TrimSpace(req.KeyID),
			SlotID:     req.SlotID,
			TokenLabel: strings.TrimSpace(req.TokenLabel),
			PIN:        types.Secret(req.PIN),
		},
		Subject:       req.Subject,
		ValidityDays:  req.ValidityDays,
		SAN:           req.SAN,
		IsCA:          req.IsCA,
		Type:          req.Type,
		KeyType:       req.KeyType,
		KeySize:       req.KeySize,
		ImportToToken: req.ImportToToken,
	}
}

func (h *HandlerContext) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// IssueCertificateHandler handles POST /api/v1/certificates requests.
func (h *HandlerContext) IssueCertificateHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueCertificateRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	issue := req.toIssueRequest()
	if issue.ValidityDays <= 0 {
		issue.ValidityDays = h.defaultValidityDays
	}
	rec, err := h.service.Issue(r.Context(), issue)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusCreated)
}

// RotateCertificateHandler handles POST /api/v1/certificates/rotate requests.
func (h *HandlerContext) RotateCertificateHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueCertificateRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	issue := req.toIssueRequest()
	if issue.ValidityDays <= 0 {
		issue.ValidityDays = h.defaultValidityDays
	}
	res, err := h.service.Rotate(r.Context(), certificate.RotateRequest{
		IssueRequest:   issue,
		RevokePrevious: req.RevokePrevious,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusCreated)
}

// ListCertificatesHandler handles GET /api/v1/certificates requests.
func (h *HandlerContext) ListCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.service.ListCertificates(records.CertificateFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		KeyID:  q.Get("keyId"),
		Search: q.Get("search"),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*records.CertificateRecord{}
	}
	writeJSON(w, ListCertificatesResponse{Certificates: recs, Total: len(recs)}, http.StatusOK)
}

// GetCertificateHandler handles GET /api/v1/certificates/{id} requests.
func (h *HandlerContext) GetCertificateHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetCertificate(chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

// CertificatePEMHandler handles GET /api/v1/certificates/{id}/pem requests.
func (h *HandlerContext) CertificatePEMHandler(w http.ResponseWriter, r *http.Request) {
	h.serveCertificate(w, r, pki.FormatPEM, "application/x-pem-file")
}

// CertificateDERHandler handles GET /api/v1/certificates/{id}/der requests.
func (h *HandlerContext) CertificateDERHandler(w http.ResponseWriter, r *http.Request) {
	h.serveCertificate(w, r, pki.FormatDER, "application/pkix-cert")
}

func (h *HandlerContext) serveCertificate(w http.ResponseWriter, r *http.Request, format pki.Format, contentType string) {
	rc, name, err := h.service.OpenCertificate(chi.URLParam(r, "id"), format)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer rc.Close()
	h.serveArtifact(w, r, rc, name, contentType)
}

// RevokeCertificateHandler handles POST /api/v1/certificates/{id}/revoke
// requests. The reason comes from the JSON body or the reason query
// parameter.
func (h *HandlerContext) RevokeCertificateHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeCertificateRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	rec, err := h.service.Revoke(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

// SignHandler handles POST /api/v1/signatures requests. The body is
// multipart/form-data with a document file and keyId, pin, slotId,
// tokenLabel, detached and signerCertPem fields. A signerCert file part
// may replace signerCertPem.
func (h *HandlerContext) SignHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		h.handleError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	doc, name, err := formFile(r, "document")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if doc == nil {
		h.handleError(w, r, types.NewConfigurationError("document is required"))
		return
	}
	slot, err := formInt(r, "slotId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	detached := true
	if v := r.FormValue("detached"); v != "" {
		if detached, err = strconv.ParseBool(v); err != nil {
			h.handleError(w, r, fmt.Errorf("%w: detached: %v", ErrInvalidRequest, err))
			return
		}
	}
	signerPEM := []byte(r.FormValue("signerCertPem"))
	if len(signerPEM) == 0 {
		if signerPEM, _, err = formFile(r, "signerCert"); err != nil {
			h.handleError(w, r, err)
			return
		}
	}
	if docName := r.FormValue("documentName"); docName != "" {
		name = docName
	}

	rec, err := h.service.Sign(r.Context(), cms.SignRequest{
		Document:     doc,
		DocumentName: name,
		Key: types.KeyReference{
			ID:         strings.TrimSpace(r.FormValue("keyId")),
			SlotID:     slot,
			TokenLabel: strings.TrimSpace(r.FormValue("tokenLabel")),
			PIN:        types.Secret(r.FormValue("pin")),
		},
		Detached:      detached,
		SignerCertPEM: string(signerPEM),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", rec.DownloadURL)
	writeJSON(w, rec, http.StatusCreated)
}

// ListSignaturesHandler handles GET /api/v1/signatures requests.
func (h *HandlerContext) ListSignaturesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.service.ListSignatures(records.SignatureFilter{
		KeyID:  q.Get("keyId"),
		Search: q.Get("search"),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*records.SignatureRecord{}
	}
	writeJSON(w, ListSignaturesResponse{Signatures: recs, Total: len(recs)}, http.StatusOK)
}

// GetSignatureHandler handles GET /api/v1/signatures/{id} requests.
func (h *HandlerContext) GetSignatureHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetSignature(chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

// SignatureArtifactHandler handles GET /api/v1/signatures/{id}/artifact requests.
func (h *HandlerContext) SignatureArtifactHandler(w http.ResponseWriter, r *http.Request) {
	rc, name, err := h.service.OpenSignature(chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer rc.Close()
	contentType := "application/pkcs7-signature"
	if strings.HasSuffix(name, ".p7m") {
		contentType = "application/pkcs7-mime"
	}
	h.serveArtifact(w, r, rc, name, contentType)
}

// VerifyHandler handles POST /api/v1/verify requests. The body is
// multipart/form-data with a signature file and optional content and
// caBundle files. A negative verdict is a 200 response with verified=false.
func (h *HandlerContext) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		h.handleError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var req cms.VerifyRequest
	var err error
	if req.Signature, _, err = formFile(r, "signature"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if req.Content, _, err = formFile(r, "content"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if req.CABundle, _, err = formFile(r, "caBundle"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if req.Signature == nil {
		h.handleError(w, r, types.NewConfigurationError("signature is required"))
		return
	}
	writeJSON(w, h.service.Verify(r.Context(), req), http.StatusOK)
}

func (h *HandlerContext) serveArtifact(w http.ResponseWriter, r *http.Request, rc io.Reader, name, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log(r).Warn("artifact download interrupted", "name", name, "error", err)
	}
}

func (h *HandlerContext) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: upload exceeds %d bytes", ErrInvalidRequest, tooLarge.Limit)
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// formFile reads a file part. A missing part yields nil data and no error.
func formFile(r *http.Request, field string) ([]byte, string, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrInvalidRequest, field, err)
	}
	defer func(f multipart.File) { _ = f.Close() }(file)
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrInvalidRequest, field, err)
	}
	return data, header.Filename, nil
}

func formInt(r *http.Request, field string) (int, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, types.NewConfigurationError(fmt.Sprintf("invalid %s %q", field, v))
	}
	return n, nil
}
