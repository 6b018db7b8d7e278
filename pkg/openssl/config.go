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

// Package openssl negotiates between the OpenSSL 3 provider pipeline and
// the legacy engine pipeline, builds typed argument vectors for the
// openssl subcommands used by issuance and CMS signing, and parses their
// output into Outcome values.
package openssl

import (
	"fmt"
	"os"
	"strings"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

const (
	// DefaultBinary is resolved through PATH.
	DefaultBinary = "openssl"

	// PINEnv carries the PIN to engine-mode children via -passin env:.
	PINEnv = "P11PKI_PIN"

	engineID = "pkcs11"
)

// Config describes where the toolchain and its PKCS #11 plumbing live.
type Config struct {
	// Binary is the openssl executable.
	Binary string `yaml:"binary" json:"binary"`

	// ModulePath is the PKCS #11 module (e.g. opensc-pkcs11.so), exported
	// to the provider as PKCS11_PROVIDER_MODULE.
	ModulePath string `yaml:"module_path" json:"module_path"`

	// ProviderDir is the directory holding pkcs11.so, exported as OPENSSL_MODULES.
	ProviderDir string `yaml:"provider_dir" json:"provider_dir"`

	// EnginePath is the libp11 engine shared object. When set it is passed
	// to -engine directly and used for the dynamic engine probe.
	EnginePath string `yaml:"engine_path" json:"engine_path"`

	// ForceEngine skips the provider pipeline entirely.
	ForceEngine bool `yaml:"force_engine" json:"force_engine"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
}

// Validate checks configured paths exist.
func (c *Config) Validate() error {
	checks := []struct{ name, path string }{
		{"module_path", c.ModulePath},
		{"provider_dir", c.ProviderDir},
		{"engine_path", c.EnginePath},
	}
	for _, chk := range checks {
		if chk.path == "" {
			continue
		}
		if _, err := os.Stat(chk.path); err != nil {
			return types.NewConfigurationError(fmt.Sprintf("%s %q not found", chk.name, chk.path))
		}
	}
	return nil
}

// providerEnv returns the environment for provider-mode children.
func (c *Config) providerEnv() []string {
	env := make([]string, 0, 2)
	if c.ProviderDir != "" {
		env = append(env, "OPENSSL_MODULES="+c.ProviderDir)
	}
	if c.ModulePath != "" {
		env = append(env, "PKCS11_PROVIDER_MODULE="+c.ModulePath)
	}
	return env
}

// engine returns the -engine argument.
func (c *Config) engine() string {
	if c.EnginePath != "" {
		return c.EnginePath
	}
	return engineID
}

func (c *Config) binary() string {
	if c.Binary == "" {
		return DefaultBinary
	}
	return c.Binary
}

// String summarizes the configuration for logs.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "OpenSSL{Binary: %s", c.binary())
	if c.ModulePath != "" {
		fmt.Fprintf(&b, ", Module: %s", c.ModulePath)
	}
	if c.ProviderDir != "" {
		fmt.Fprintf(&b, ", ProviderDir: %s", c.ProviderDir)
	}
	if c.EnginePath != "" {
		fmt.Fprintf(&b, ", Engine: %s", c.EnginePath)
	}
	fmt.Fprintf(&b, ", ForceEngine: %t}", c.ForceEngine)
	return b.String()
}
