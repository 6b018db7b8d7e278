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

package certificate

import (
	"strings"

	"github.com/jeremyhahn/go-p11pki/pkg/openssl"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
)

// Extensions describes the v3 extension section applied at self-sign time.
type Extensions struct {
	IsCA bool
	// Type selects the extended key usage: server, user or ca.
	Type string
	// SAN is the normalized subjectAltName value. Omitted when empty.
	SAN string
}

// ExtendedKeyUsage returns the extendedKeyUsage value for the certificate type.
func (e Extensions) ExtendedKeyUsage() string {
	switch {
	case e.IsCA || e.Type == records.TypeCA:
		return "serverAuth, clientAuth, emailProtection, codeSigning"
	case e.Type == records.TypeUser:
		return "clientAuth, emailProtection"
	default:
		return "serverAuth, clientAuth"
	}
}

// Render returns the openssl extension file passed with -extfile.
func (e Extensions) Render() string {
	var b strings.Builder
	b.WriteString("[ " + openssl.ExtensionSection + " ]\n")
	if e.IsCA {
		b.WriteString("basicConstraints = critical, CA:TRUE\n")
		b.WriteString("keyUsage = critical, keyCertSign, cRLSign\n")
	} else {
		b.WriteString("basicConstraints = CA:FALSE\n")
		b.WriteString("keyUsage = critical, digitalSignature, keyEncipherment\n")
	}
	b.WriteString("extendedKeyUsage = " + e.ExtendedKeyUsage() + "\n")
	b.WriteString("subjectKeyIdentifier = hash\n")
	if e.SAN != "" {
		b.WriteString("subjectAltName = " + e.SAN + "\n")
	}
	return b.String()
}
