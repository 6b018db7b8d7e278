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

package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// TestCertificate is a generated signer certificate and its software key.
type TestCertificate struct {
	// Cert is the X.509 certificate
	Cert *x509.Certificate
	// Key is the private key
	Key *ecdsa.PrivateKey
	// CertPEM is the PEM-encoded certificate
	CertPEM []byte
	// KeyPEM is the PKCS#8 PEM-encoded private key
	KeyPEM []byte
}

// CertOptions controls GenerateSelfSigned. Zero values pick defaults.
type CertOptions struct {
	CommonName   string
	Organization string
	Country      string
	Email        string
	Serial       *big.Int
	NotBefore    time.Time
	ValidityDays int
	IsCA         bool
	Parent       *TestCertificate
}

// GenerateSelfSigned generates a P-256 certificate, self-signed unless
// opts.Parent is set.
func GenerateSelfSigned(opts CertOptions) (*TestCertificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial := opts.Serial
	if serial == nil {
		serial, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial: %w", err)
		}
	}
	if opts.CommonName == "" {
		opts.CommonName = "Test Signer"
	}
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC().Truncate(time.Second)
	}
	days := opts.ValidityDays
	if days <= 0 {
		days = 365
	}

	subject := pkix.Name{CommonName: opts.CommonName}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}
	if opts.Country != "" {
		subject.Country = []string{opts.Country}
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, days),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageAny},
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
	}
	if opts.IsCA {
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if opts.Email != "" {
		template.EmailAddresses = []string{opts.Email}
	}

	parent, signer := template, key
	if opts.Parent != nil {
		parent, signer = opts.Parent.Cert, opts.Parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	return &TestCertificate{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// MustSelfSigned is GenerateSelfSigned for tests that cannot continue on error.
func MustSelfSigned(opts CertOptions) *TestCertificate {
	c, err := GenerateSelfSigned(opts)
	if err != nil {
		panic(err)
	}
	return c
}
