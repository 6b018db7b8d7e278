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
	"github.com/jeremyhahn/go-p11pki/pkg/openssl"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// IssueCertificateRequest is the body of POST /api/v1/certificates and
// POST /api/v1/certificates/rotate.
type IssueCertificateRequest struct {
	KeyID         string                  `json:"keyId"`
	SlotID        int                     `json:"slotId"`
	TokenLabel    string                  `json:"tokenLabel,omitempty"`
	PIN           string                  `json:"pin"`
	Subject       types.SubjectDescriptor `json:"subject"`
	ValidityDays  int                     `json:"validityDays,omitempty"`
	SAN           string                  `json:"san,omitempty"`
	IsCA          bool                    `json:"isCA,omitempty"`
	Type          string                  `json:"type,omitempty"`
	KeyType       string                  `json:"keyType,omitempty"`
	KeySize       int                     `json:"keySize,omitempty"`
	ImportToToken *bool                   `json:"importToToken,omitempty"`

	// RevokePrevious applies to rotation only.
	RevokePrevious bool `json:"revokePrevious,omitempty"`
}

// RevokeCertificateRequest is the optional body of POST .../{id}/revoke.
type RevokeCertificateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListCertificatesResponse represents the response for listing certificates.
type ListCertificatesResponse struct {
	Certificates []*records.CertificateRecord `json:"certificates"`
	Total        int                          `json:"total"`
}

// ListSignaturesResponse represents the response for listing signatures.
type ListSignaturesResponse struct {
	Signatures []*records.SignatureRecord `json:"signatures"`
	Total      int                        `json:"total"`
}

// BackendsResponse reports the backend probe.
type BackendsResponse struct {
	*openssl.Plan
	Available bool `json:"available"`
}

// StatsResponse reports record counts.
type StatsResponse struct {
	*records.Stats
}
