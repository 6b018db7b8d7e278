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

// Package records persists the audit trail of issued certificates and
// produced signatures as two JSON documents, plus the artifact files they
// point to, on a storage.Backend.
package records

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// CertificatesDocument holds {"total": n, "certificates": [...]}.
	CertificatesDocument = "certificates.json"

	// SignaturesDocument holds {"total": n, "items": [...]}.
	SignaturesDocument = "signatures.json"

	// Algorithm is recorded on every signature.
	Algorithm = "CMS/PKCS#7"
)

// Certificate status values.
const (
	StatusValid   = "valid"
	StatusRevoked = "revoked"
)

// Serial sources.
const (
	// SerialFromCertificate means the serial was read from the signed certificate.
	SerialFromCertificate = "certificate"

	// SerialGenerated means metadata extraction failed and a random serial
	// was recorded instead. It does not match the certificate.
	SerialGenerated = "generated"
)

// Revocation reasons used by the service itself.
const (
	ReasonUnspecified = "unspecified"
	ReasonSuperseded  = "superseded"
)

// Certificate types.
const (
	TypeServer = "server"
	TypeUser   = "user"
	TypeCA     = "ca"
)

// CertificateRecord describes one issued certificate.
type CertificateRecord struct {
	ID               string `json:"id"`
	KeyID            string `json:"keyId"`
	Subject          string `json:"subject"`
	Issuer           string `json:"issuer"`
	Serial           string `json:"serial"`
	SerialSource     string `json:"serialSource"`
	Issued           string `json:"issued"`
	Expires          string `json:"expires"`
	Status           string `json:"status"`
	RevocationDate   string `json:"revocationDate,omitempty"`
	RevocationReason string `json:"revocationReason,omitempty"`
	Type             string `json:"type"`
	KeyType          string `json:"keyType,omitempty"`
	KeySize          int    `json:"keySize,omitempty"`
	Email            string `json:"email,omitempty"`
	SAN              string `json:"san,omitempty"`
	IsCA             bool   `json:"isCA"`
	PEMPath          string `json:"pemPath"`
	DERPath          string `json:"derPath"`
	Mode             string `json:"mode"`
	TokenLabel       string `json:"tokenLabel,omitempty"`
	ImportedToToken  bool   `json:"importedToToken"`
}

// Revoked reports whether the certificate has been revoked.
func (r *CertificateRecord) Revoked() bool {
	return r.Status == StatusRevoked
}

func (r *CertificateRecord) clone() *CertificateRecord {
	c := *r
	return &c
}

// SignatureRecord describes one produced CMS signature.
type SignatureRecord struct {
	ID             string `json:"id"`
	Timestamp      string `json:"ts"`
	Document       string `json:"document"`
	DocumentSize   int64  `json:"documentSize"`
	DocumentSHA256 string `json:"documentSha256"`
	Algorithm      string `json:"algorithm"`
	CertificateID  string `json:"certificateId,omitempty"`
	KeyID          string `json:"keyId"`
	Detached       bool   `json:"detached"`
	Mode           string `json:"mode"`
	OutputPath     string `json:"outputPath"`
	OutputName     string `json:"outputName"`
	DownloadURL    string `json:"downloadUrl"`
}

func (r *SignatureRecord) clone() *SignatureRecord {
	c := *r
	return &c
}

// CertificateFilter selects certificates. Empty fields match everything.
type CertificateFilter struct {
	Status string
	Type   string
	KeyID  string
	// Search is a case-insensitive substring of subject, issuer, serial,
	// key id, email or SAN.
	Search string
}

func (f CertificateFilter) match(r *CertificateRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.KeyID != "" && r.KeyID != f.KeyID {
		return false
	}
	return contains(f.Search, r.Subject, r.Issuer, r.Serial, r.KeyID, r.Email, r.SAN, r.ID)
}

// SignatureFilter selects signatures. Empty fields match everything.
type SignatureFilter struct {
	KeyID string
	// Search is a case-insensitive substring of document name, id or key id.
	Search string
}

func (f SignatureFilter) match(r *SignatureRecord) bool {
	if f.KeyID != "" && r.KeyID != f.KeyID {
		return false
	}
	return contains(f.Search, r.Document, r.ID, r.KeyID)
}

func contains(needle string, fields ...string) bool {
	if needle == "" {
		return true
	}
	needle = strings.ToLower(needle)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

// CertificatePEMKey is the artifact key of a certificate's PEM encoding.
func CertificatePEMKey(id string) string {
	return fmt.Sprintf("certificates/%s.pem", id)
}

// CertificateDERKey is the artifact key of a certificate's DER encoding.
func CertificateDERKey(id string) string {
	return fmt.Sprintf("certificates/%s.der", id)
}

// SignatureKey is the artifact key of a signature. Detached signatures use
// .p7s, enveloping ones .p7m.
func SignatureKey(id string, detached bool) string {
	return fmt.Sprintf("signatures/%s.%s", id, SignatureExtension(detached))
}

// SignatureExtension returns p7s for detached and p7m for attached output.
func SignatureExtension(detached bool) string {
	if detached {
		return "p7s"
	}
	return "p7m"
}

// SignerKey is the stable key of the latest signer certificate for keyID.
// The key id is path-escaped so arbitrary labels stay inside signers/.
func SignerKey(keyID string) string {
	return "signers/" + url.PathEscape(keyID) + ".pem"
}

// SignatureDownloadURL is the REST path serving a signature artifact.
func SignatureDownloadURL(id string) string {
	return "/api/v1/signatures/" + id + "/artifact"
}
