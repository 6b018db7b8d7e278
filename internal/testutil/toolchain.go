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
	"context"
	"math/big"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain/mocks"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

const providersActive = `Providers:
  default
    name: OpenSSL Default Provider
    status: active
  pkcs11
    name: PKCS#11 Provider
    status: active
`

// FakeToolchain emulates the openssl and pkcs11-tool invocations made by
// the issuance and CMS engines. Self-signing produces a real certificate
// so metadata extraction runs against genuine DER.
type FakeToolchain struct {
	mu sync.Mutex

	ProviderActive  bool
	EngineAvailable bool

	// Accept decides whether a keyed command succeeds for locator.
	// nil accepts every locator.
	Accept func(mode types.Mode, locator string) bool

	// Serial and NotBefore shape the certificate produced by x509 -req.
	Serial    *big.Int
	NotBefore time.Time

	// SelfSignPEM replaces the generated certificate when set.
	SelfSignPEM []byte

	// X509Text is returned by "x509 -noout -serial ..." when set.
	X509Text string

	// Signature is written by "cms -sign".
	Signature []byte

	// VerifyStderr returns the failure text for "cms -verify" given the
	// -inform value; "" means the signature verifies.
	VerifyStderr func(inform string) string

	// PrintOut is returned by "cms -cmsout -print".
	PrintOut string

	// TokenCertificate is returned by pkcs11-tool --read-object when set.
	TokenCertificate []byte

	// Before runs ahead of every dispatch and may return an error that is
	// reported as the command's failure.
	Before func(ctx context.Context, cmd *toolchain.Command) error

	// Issued holds the certificates produced by x509 -req.
	Issued []*TestCertificate

	// Imported holds the DER objects passed to --write-object.
	Imported [][]byte

	runner *mocks.Runner
}

// NewFakeToolchain returns a toolchain with both backends usable.
func NewFakeToolchain() *FakeToolchain {
	f := &FakeToolchain{
		ProviderActive:  true,
		EngineAvailable: true,
		Serial:          big.NewInt(0x0A1B2C3D),
		NotBefore:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Signature:       []byte("fake-cms-der"),
		PrintOut:        "CMS_ContentInfo:\n  contentType: pkcs7-signedData (1.2.840.113549.1.7.2)\n",
	}
	f.runner = mocks.NewRunner(f.run)
	return f
}

// Runner returns the recording runner backed by f.
func (f *FakeToolchain) Runner() *mocks.Runner {
	return f.runner
}

// ModeOf reports which backend a keyed openssl command targets.
func ModeOf(cmd *toolchain.Command) types.Mode {
	if mocks.HasArg(cmd.Args, "-engine") {
		return types.ModeEngine
	}
	return types.ModeProvider
}

// Locator returns the key locator passed to a keyed openssl command.
func Locator(cmd *toolchain.Command) string {
	for _, flag := range []string{"-key", "-signkey", "-inkey"} {
		if v, ok := mocks.ArgValue(cmd.Args, flag); ok {
			return v
		}
	}
	return ""
}

func (f *FakeToolchain) accept(cmd *toolchain.Command) bool {
	if f.Accept == nil {
		return true
	}
	return f.Accept(ModeOf(cmd), Locator(cmd))
}

func (f *FakeToolchain) run(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error) {
	if f.Before != nil {
		if err := f.Before(ctx, cmd); err != nil {
			return nil, err
		}
	}
	if cmd.Name == "pkcs11-tool" {
		return f.pkcs11Tool(cmd)
	}

	switch {
	case mocks.IsSubcommand(cmd, "list"):
		if !f.ProviderActive {
			return mocks.Fail(cmd, "list: unable to load provider pkcs11")
		}
		return &toolchain.Result{Stdout: []byte(providersActive)}, nil

	case mocks.IsSubcommand(cmd, "engine"):
		if !f.EngineAvailable {
			return mocks.Fail(cmd, "invalid engine \"pkcs11\"")
		}
		return &toolchain.Result{Stdout: []byte("(pkcs11) pkcs11 engine\n     [ available ]\n")}, nil

	case mocks.IsSubcommand(cmd, "req"):
		if !f.accept(cmd) {
			return mocks.Fail(cmd, "Could not open file or uri for loading private key")
		}
		return &toolchain.Result{}, mocks.WriteOut(cmd, []byte("-----BEGIN CERTIFICATE REQUEST-----\nfake\n-----END CERTIFICATE REQUEST-----\n"))

	case mocks.IsSubcommand(cmd, "x509") && mocks.HasArg(cmd.Args, "-req"):
		if !f.accept(cmd) {
			return mocks.Fail(cmd, "unable to load Private Key")
		}
		if f.SelfSignPEM != nil {
			return &toolchain.Result{}, mocks.WriteOut(cmd, f.SelfSignPEM)
		}
		days, _ := mocks.ArgValue(cmd.Args, "-days")
		n, err := strconv.Atoi(days)
		if err != nil {
			return mocks.Fail(cmd, "bad -days")
		}
		cert, err := GenerateSelfSigned(CertOptions{
			CommonName:   "Fake Issued",
			Serial:       f.Serial,
			NotBefore:    f.NotBefore,
			ValidityDays: n,
		})
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.Issued = append(f.Issued, cert)
		f.mu.Unlock()
		return &toolchain.Result{}, mocks.WriteOut(cmd, cert.CertPEM)

	case mocks.IsSubcommand(cmd, "x509"):
		if f.X509Text == "" {
			return mocks.Fail(cmd, "unable to load certificate")
		}
		return &toolchain.Result{Stdout: []byte(f.X509Text)}, nil

	case mocks.IsSubcommand(cmd, "cms") && mocks.HasArg(cmd.Args, "-sign"):
		if !f.accept(cmd) {
			return mocks.Fail(cmd, "unable to load signing key file")
		}
		return &toolchain.Result{}, mocks.WriteOut(cmd, f.Signature)

	case mocks.IsSubcommand(cmd, "cms") && mocks.HasArg(cmd.Args, "-verify"):
		inform, _ := mocks.ArgValue(cmd.Args, "-inform")
		if f.VerifyStderr != nil {
			if stderr := f.VerifyStderr(inform); stderr != "" {
				return mocks.Fail(cmd, stderr)
			}
		}
		return &toolchain.Result{Stderr: []byte("CMS Verification successful\n")}, nil

	case mocks.IsSubcommand(cmd, "cms") && mocks.HasArg(cmd.Args, "-print"):
		return &toolchain.Result{Stdout: []byte(f.PrintOut)}, nil
	}
	return mocks.Fail(cmd, "unexpected command")
}

func (f *FakeToolchain) pkcs11Tool(cmd *toolchain.Command) (*toolchain.Result, error) {
	switch {
	case mocks.HasArg(cmd.Args, "--read-object"):
		if f.TokenCertificate == nil {
			return mocks.Fail(cmd, "error: object not found")
		}
		return &toolchain.Result{}, mocks.WriteOut(cmd, f.TokenCertificate)
	case mocks.HasArg(cmd.Args, "--write-object"):
		f.mu.Lock()
		defer f.mu.Unlock()
		path, _ := mocks.ArgValue(cmd.Args, "--write-object")
		data, err := os.ReadFile(path)
		if err != nil {
			return mocks.Fail(cmd, err.Error())
		}
		f.Imported = append(f.Imported, data)
		return &toolchain.Result{Stdout: []byte("Created certificate:\n")}, nil
	}
	return mocks.Fail(cmd, "unexpected pkcs11-tool invocation")
}
