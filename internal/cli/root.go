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

// Package cli implements the p11pki command line: certificate issuance,
// revocation and rotation, CMS signing and verification, and inspection
// of the record store and the OpenSSL backends.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-p11pki/internal/config"
	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/pki"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/storage"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitNotVerified   = 3
)

// App holds the state shared by every command of one invocation.
type App struct {
	v      *viper.Viper
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// runner replaces the os/exec runner when set.
	runner toolchain.Runner

	root    *cobra.Command
	cfg     *config.Config
	logger  *logging.Logger
	service *pki.Service
}

// Option customizes an App.
type Option func(*App)

// WithRunner replaces the subprocess runner.
func WithRunner(r toolchain.Runner) Option {
	return func(a *App) { a.runner = r }
}

// WithIO replaces the standard streams.
func WithIO(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(a *App) {
		a.stdin = stdin
		a.stdout = stdout
		a.stderr = stderr
	}
}

// NewRootCommand builds the p11pki command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	app := &App{
		v:      viper.New(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(app)
	}

	root := &cobra.Command{
		Use:   "p11pki",
		Short: "p11pki - certificates and CMS signatures backed by a PKCS#11 token",
		Long: `p11pki issues self-signed X.509 certificates and produces CMS/PKCS#7
signatures with private keys that never leave a PKCS#11 token such as a
SmartCard-HSM. Token operations run through the openssl pkcs11 provider,
falling back to the libp11 engine, and every result is recorded in a
local JSON record store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	app.root = root
	root.SetIn(app.stdin)
	root.SetOut(app.stdout)
	root.SetErr(app.stderr)

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (YAML)")
	pf.StringP("output", "o", "text", "output format (text, json)")
	pf.BoolP("verbose", "v", false, "include tool diagnostics in errors")
	pf.String("store-dir", "", "record store directory")
	pf.Bool("ephemeral", false, "keep records in memory for this invocation only")
	pf.String("pkcs11-module", "", "PKCS#11 module path")
	pf.StringSlice("token-labels", nil, "token labels to try before the SmartCard-HSM defaults")
	pf.Bool("force-engine", false, "skip the provider pipeline")
	pf.Duration("timeout", 0, "timeout of each tool invocation")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	bindings := map[string]string{
		"config":           "config",
		"output":           "output",
		"verbose":          "verbose",
		"store.dir":        "store-dir",
		"openssl.module":   "pkcs11-module",
		"token.labels":     "token-labels",
		"openssl.engine":   "force-engine",
		"toolchain.timeout": "timeout",
		"logging.level":    "log-level",
	}
	for key, flag := range bindings {
		_ = app.v.BindPFlag(key, pf.Lookup(flag))
	}
	app.v.SetEnvPrefix("P11PKI")
	_ = app.v.BindEnv("config", "P11PKI_CONFIG")

	root.AddCommand(
		app.newProbeCommand(),
		app.newResolveCommand(),
		app.newCertCommand(),
		app.newSignCommand(),
		app.newVerifyCommand(),
		app.newSignaturesCommand(),
		app.newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string, opts ...Option) int {
	root := NewRootCommand(opts...)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	stderr := root.ErrOrStderr()
	fmt.Fprintf(stderr, "Error: %s\n", err)
	if verbose, _ := root.PersistentFlags().GetBool("verbose"); verbose {
		if diag := types.DiagnosticText(err); diag != "" {
			fmt.Fprintf(stderr, "\n%s\n", diag)
		}
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, types.ErrConfiguration):
		return ExitConfiguration
	case errors.Is(err, types.ErrVerificationFailed):
		return ExitNotVerified
	default:
		return ExitFailure
	}
}

// config loads the configuration once, layering changed flags over the
// file and environment.
func (a *App) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return nil, types.NewConfigurationError(err.Error())
	}
	if a.v.IsSet("store.dir") {
		cfg.Store.Dir = a.v.GetString("store.dir")
	}
	if a.v.IsSet("openssl.module") {
		cfg.OpenSSL.ModulePath = a.v.GetString("openssl.module")
	}
	if a.v.IsSet("token.labels") {
		cfg.Token.Labels = a.v.GetStringSlice("token.labels")
	}
	if a.v.IsSet("openssl.engine") {
		cfg.OpenSSL.ForceEngine = a.v.GetBool("openssl.engine")
	}
	if a.v.IsSet("toolchain.timeout") {
		cfg.Toolchain.Timeout = a.v.GetDuration("toolchain.timeout")
	}
	if a.v.IsSet("logging.level") {
		cfg.Logging.Level = a.v.GetString("logging.level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewConfigurationError(err.Error())
	}
	a.cfg = cfg
	a.logger = cfg.Logger(a.stderr)
	return cfg, nil
}

// pki returns the service, opening the record store on first use.
func (a *App) pki() (*pki.Service, error) {
	if a.service != nil {
		return a.service, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	var store *records.Store
	if ephemeral, _ := a.root.PersistentFlags().GetBool("ephemeral"); ephemeral {
		store, err = records.New(storage.NewMemory(), &records.Options{Logger: a.logger})
	} else {
		store, err = cfg.OpenStore(a.logger)
	}
	if err != nil {
		return nil, err
	}
	opts := cfg.ServiceOptions(a.logger)
	opts.Runner = a.runner
	svc, err := pki.New(store, opts)
	if err != nil {
		return nil, err
	}
	a.service = svc
	return svc, nil
}

func (a *App) printer() *Printer {
	return NewPrinter(a.v.GetString("output"), a.stdout)
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
