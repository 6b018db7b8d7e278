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

package openssl

import (
	"os"
	"strconv"

	"github.com/jeremyhahn/go-p11pki/pkg/pkcs11uri"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// Extension section name written by the issuance engine.
const ExtensionSection = "v3_p11pki"

// Commands builds openssl invocations for one backend mode.
type Commands struct {
	cfg  *Config
	mode types.Mode
}

// NewCommands returns a builder for mode.
func NewCommands(cfg *Config, mode types.Mode) *Commands {
	return &Commands{cfg: cfg, mode: mode}
}

// Mode returns the backend the builder targets.
func (c *Commands) Mode() types.Mode {
	return c.mode
}

// keyed wires the backend flags and the key locator into args and returns
// the finished command. In provider mode the PIN travels inside the URI;
// in engine mode it is exported to the child only, read via -passin.
func (c *Commands) keyed(args *toolchain.Args, keyFlag, locator string, pin types.Secret) *toolchain.Command {
	cmd := &toolchain.Command{Name: c.cfg.binary()}
	secret := pin.Reveal()
	switch c.mode {
	case types.ModeEngine:
		args.Opt("-engine", c.cfg.engine()).
			Opt("-keyform", "engine").
			Opt(keyFlag, locator)
		if secret != "" {
			args.Opt("-passin", "env:"+PINEnv)
			cmd.Env = append(cmd.Env, PINEnv+"="+secret)
		}
	default:
		args.Opt("-provider", providerPKCS11).
			Opt("-provider", providerDefault).
			Opt(keyFlag, locator)
		cmd.Env = append(cmd.Env, c.cfg.providerEnv()...)
	}
	cmd.Secrets = pkcs11uri.SecretForms(secret)
	cmd.Args = args.Slice()
	return cmd
}

// ReqCommand generates a CSR for the key at locator.
func (c *Commands) ReqCommand(locator string, pin types.Secret, subject, outPath string) *toolchain.Command {
	args := toolchain.NewArgs("req").
		Flag("-new").
		Flag("-batch").
		Opt("-subj", subject).
		Opt("-out", outPath)
	return c.keyed(args, "-key", locator, pin)
}

// SelfSignCommand self-signs csrPath with the same key, applying the
// extension section from extPath.
func (c *Commands) SelfSignCommand(locator string, pin types.Secret, csrPath, extPath string, days int, outPath string) *toolchain.Command {
	args := toolchain.NewArgs("x509").
		Flag("-req").
		Opt("-in", csrPath).
		Opt("-days", strconv.Itoa(days)).
		Opt("-extfile", extPath).
		Opt("-extensions", ExtensionSection).
		Opt("-outform", "PEM").
		Opt("-out", outPath)
	return c.keyed(args, "-signkey", locator, pin)
}

// CMSSignCommand signs docPath. Detached signatures omit the content;
// enveloped ones embed it with -nodetach. Output is binary DER.
func (c *Commands) CMSSignCommand(locator string, pin types.Secret, docPath, signerPath string, detached bool, outPath string) *toolchain.Command {
	args := toolchain.NewArgs("cms").
		Flag("-sign").
		Flag("-binary").
		FlagIf(!detached, "-nodetach").
		Opt("-in", docPath).
		Opt("-signer", signerPath).
		Opt("-outform", "DER").
		Opt("-out", outPath)
	return c.keyed(args, "-inkey", locator, pin)
}

// VerifyOptions selects the inputs of a verification.
type VerifyOptions struct {
	SignaturePath string
	// Inform is PEM or DER.
	Inform      string
	ContentPath string
	CAPath      string
}

// CMSVerifyCommand verifies a CMS structure. Without a CA bundle the
// chain is not checked (-noverify). Recovered content is discarded.
func CMSVerifyCommand(cfg *Config, opts VerifyOptions) *toolchain.Command {
	args := toolchain.NewArgs("cms").
		Flag("-verify").
		Flag("-binary").
		Opt("-inform", opts.Inform).
		Opt("-in", opts.SignaturePath).
		OptIf("-content", opts.ContentPath)
	if opts.CAPath != "" {
		args.Opt("-CAfile", opts.CAPath).Opt("-purpose", "any")
	} else {
		args.Flag("-noverify")
	}
	args.Opt("-out", os.DevNull)
	return &toolchain.Command{Name: cfg.binary(), Args: args.Slice()}
}

// CMSPrintCommand dumps the CMS structure for operator display.
func CMSPrintCommand(cfg *Config, sigPath, inform string) *toolchain.Command {
	args := toolchain.NewArgs("cms").
		Flag("-cmsout").
		Flag("-print").
		Flag("-noout").
		Opt("-inform", inform).
		Opt("-in", sigPath)
	return &toolchain.Command{Name: cfg.binary(), Args: args.Slice()}
}

// X509TextCommand prints the metadata ParseX509Text reads.
func X509TextCommand(cfg *Config, certPath string) *toolchain.Command {
	args := toolchain.NewArgs("x509").
		Opt("-in", certPath).
		Flag("-noout").
		Flag("-serial").
		Flag("-dates").
		Flag("-subject").
		Flag("-issuer")
	return &toolchain.Command{Name: cfg.binary(), Args: args.Slice()}
}

// ProviderListCommand lists providers with pkcs11 and default requested.
func ProviderListCommand(cfg *Config, moduleDir string) *toolchain.Command {
	probeCfg := *cfg
	if moduleDir != "" {
		probeCfg.ProviderDir = moduleDir
	}
	env := probeCfg.providerEnv()
	args := toolchain.NewArgs("list").
		Flag("-providers").
		Opt("-provider", providerPKCS11).
		Opt("-provider", providerDefault)
	return &toolchain.Command{Name: cfg.binary(), Args: args.Slice(), Env: env}
}

// EngineTestCommand checks the pkcs11 engine by id.
func EngineTestCommand(cfg *Config) *toolchain.Command {
	args := toolchain.NewArgs("engine").Flag("-t").Flag(engineID)
	return &toolchain.Command{Name: cfg.binary(), Args: args.Slice()}
}

// DynamicEngineTestCommand loads the engine shared object explicitly.
func DynamicEngineTestCommand(cfg *Config) *toolchain.Command {
	args := toolchain.NewArgs("engine").
		Flag("-t").
		Flag("dynamic").
		Opt("-pre", "SO_PATH:"+cfg.EnginePath).
		Opt("-pre", "ID:"+engineID).
		Opt("-pre", "LOAD")
	if cfg.ModulePath != "" {
		args.Opt("-pre", "MODULE_PATH:"+cfg.ModulePath)
	}
	return &toolchain.Command{Name: cfg.binary(), Args: args.Slice()}
}
