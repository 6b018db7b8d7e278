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

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

func (a *App) newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report which OpenSSL backends can reach the token",
		Long: `Probe the openssl provider pipeline and the legacy engine pipeline and
print the order in which they would be tried.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.pki()
			if err != nil {
				return err
			}
			return a.printer().PrintPlan(svc.Probe(cmd.Context()))
		},
	}
}

func (a *App) newResolveCommand() *cobra.Command {
	var kf keyFlags
	var mode string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the key locators tried for a key id",
		Long: `Expand a key id into the ordered PKCS#11 URIs (provider mode) or engine
key ids (engine mode) attempted during signing. PINs are masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			ref, err := a.reference(cmd, &kf, false)
			if err != nil {
				return err
			}
			svc, err := a.pki()
			if err != nil {
				return err
			}
			cands, err := svc.Resolve(m, ref)
			if err != nil {
				return err
			}
			return a.printer().PrintCandidates(m, cands)
		},
	}
	kf.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "provider", "backend mode (provider, engine)")
	return cmd
}

func parseMode(s string) (types.Mode, error) {
	switch types.Mode(strings.ToLower(strings.TrimSpace(s))) {
	case types.ModeProvider:
		return types.ModeProvider, nil
	case types.ModeEngine:
		return types.ModeEngine, nil
	default:
		return "", types.NewConfigurationError(fmt.Sprintf("unknown mode %q", s))
	}
}
