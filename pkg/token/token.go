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

// Package token reads and writes certificate objects on the PKCS #11 token.
// The default implementation drives OpenSC's pkcs11-tool; builds with the
// pkcs11 tag may use a native PKCS #11 session instead.
package token

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/pkcs11uri"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

const (
	// DefaultBinary is resolved through PATH.
	DefaultBinary = "pkcs11-tool"

	// DriverTool selects the pkcs11-tool implementation.
	DriverTool = "tool"

	// DriverNative selects the in-process PKCS #11 implementation.
	DriverNative = "native"
)

var (
	// ErrObjectNotFound is returned when no certificate object matches.
	ErrObjectNotFound = errors.New("token: certificate object not found")

	// ErrNativeUnavailable is returned when the binary was built without
	// the pkcs11 tag.
	ErrNativeUnavailable = errors.New("token: native driver not compiled in (build with -tags pkcs11)")
)

// Selector chooses the attribute a certificate object is matched by.
type Selector string

const (
	// ByID matches CKA_ID.
	ByID Selector = "id"

	// ByLabel matches CKA_LABEL.
	ByLabel Selector = "label"
)

// Store is the token object access used by the signer locator and by
// certificate import.
type Store interface {
	// ReadCertificate returns the DER encoding of the certificate object
	// selected by sel. Scratch files go into ws.
	ReadCertificate(ctx context.Context, ws *workspace.Workspace, ref types.KeyReference, sel Selector) ([]byte, error)

	// WriteCertificate imports der as a certificate object with ref's id
	// and the given label. It requires the PIN.
	WriteCertificate(ctx context.Context, ws *workspace.Workspace, ref types.KeyReference, der []byte, label string) error
}

// Config selects and configures the token driver.
type Config struct {
	// Driver is "tool" (default) or "native".
	Driver string `yaml:"driver" json:"driver"`

	// Binary is the pkcs11-tool executable.
	Binary string `yaml:"binary" json:"binary"`

	// ModulePath is the PKCS #11 module passed as --module.
	ModulePath string `yaml:"module_path" json:"module_path"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverTool
	}
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
}

// New returns the Store selected by cfg.Driver.
func New(cfg *Config, runner toolchain.Runner, logger *logging.Logger) (Store, error) {
	cfg.SetDefaults()
	switch strings.ToLower(cfg.Driver) {
	case DriverTool:
		return NewTool(cfg, runner, logger), nil
	case DriverNative:
		return newNative(cfg, logger)
	default:
		return nil, fmt.Errorf("token: unknown driver %q", cfg.Driver)
	}
}

// HexID returns the CKA_ID of id in the hex form pkcs11-tool expects:
// hex pairs are kept as given, anything else is hex encoded.
func HexID(id string) string {
	return hex.EncodeToString(pkcs11uri.IDForms(id)[0])
}
