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
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-p11pki/pkg/certificate"
	"github.com/jeremyhahn/go-p11pki/pkg/pki"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
)

func (a *App) newCertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Certificate operations",
		Long:  `Issue, revoke, rotate, list and export certificates for token-resident keys.`,
	}
	cmd.AddCommand(
		a.newCertIssueCommand(),
		a.newCertRotateCommand(),
		a.newCertRevokeCommand(),
		a.newCertListCommand(),
		a.newCertShowCommand(),
		a.newCertExportCommand(),
	)
	return cmd
}

func (a *App) issueRequest(cmd *cobra.Command, kf *keyFlags, sf *subjectFlags) (certificate.IssueRequest, error) {
	ref, err := a.reference(cmd, kf, true)
	if err != nil {
		return certificate.IssueRequest{}, err
	}
	days := sf.validityDays
	if days <= 0 {
		days = a.cfg.Issuance.ValidityDays
	}
	return certificate.IssueRequest{
		Key:           ref,
		Subject:       sf.subject,
		ValidityDays:  days,
		SAN:           sf.san,
		IsCA:          sf.isCA,
		Type:          sf.certType,
		KeyType:       sf.keyType,
		KeySize:       sf.keySize,
		ImportToToken: sf.importOverride(),
	}, nil
}

func (a *App) newCertIssueCommand() *cobra.Command {
	var kf keyFlags
	var sf subjectFlags
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a self-signed certificate for a token key",
		Example: `  p11pki cert issue --key-id 01 --cn device.example.com --san DNS:device.example.com,IP:10.0.0.5 --pin-file pin.txt
  P11PKI_USER_PIN=123456 p11pki cert issue --key-id 02 --cn "Root CA" --ca --days 3650`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := a.issueRequest(cmd, &kf, &sf)
			if err != nil {
				return err
			}
			svc, err := a.pki()
			if err != nil {
				return err
			}
			rec, err := svc.Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printer().PrintCertificate(rec)
		},
	}
	kf.register(cmd)
	sf.register(cmd)
	return cmd
}

func (a *App) newCertRotateCommand() *cobra.Command {
	var kf keyFlags
	var sf subjectFlags
	var revokePrevious bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Issue a replacement certificate for a token key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := a.issueRequest(cmd, &kf, &sf)
			if err != nil {
				return err
			}
			svc, err := a.pki()
			if err != nil {
				return err
			}
			res, err := svc.Rotate(cmd.Context(), certificate.RotateRequest{
				IssueRequest:   req,
				RevokePrevious: revokePrevious,
			})
			if err != nil {
				return err
			}
			return a.printer().PrintRotation(res)
		},
	}
	kf.register(cmd)
	sf.register(cmd)
	cmd.Flags().BoolVar(&revokePrevious, "revoke-previous", false, "revoke earlier valid certificates for the key (reason superseded)")
	return cmd
}

func (a *App) newCertRevokeCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Mark a certificate record as revoked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.pki()
			if err != nil {
				return err
			}
			rec, err := svc.Revoke(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.printer().PrintCertificate(rec)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "unspecified", "revocation reason")
	return cmd
}

func (a *App) newCertListCommand() *cobra.Command {
	var filter records.CertificateFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificate records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.pki()
			if err != nil {
				return err
			}
			recs, err := svc.ListCertificates(filter)
			if err != nil {
				return err
			}
			return a.printer().PrintCertificateList(recs)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&filter.Status, "status", "", "filter by status (valid, revoked)")
	fs.StringVar(&filter.Type, "type", "", "filter by type (server, user, ca)")
	fs.StringVar(&filter.KeyID, "key-id", "", "filter by key id")
	fs.StringVar(&filter.Search, "search", "", "case-insensitive substring search")
	return cmd
}

func (a *App) newCertShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one certificate record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.pki()
			if err != nil {
				return err
			}
			rec, err := svc.GetCertificate(args[0])
			if err != nil {
				return err
			}
			return a.printer().PrintCertificate(rec)
		},
	}
}

func (a *App) newCertExportCommand() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a certificate in PEM or DER",
		Long: `Write a stored certificate to --out, into a directory given by --out,
or to standard output when --out is omitted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pki.ParseFormat(format)
			if err != nil {
				return err
			}
			svc, err := a.pki()
			if err != nil {
				return err
			}
			rc, name, err := svc.OpenCertificate(args[0], f)
			if err != nil {
				return err
			}
			defer rc.Close()
			return a.export(cmd, rc, name, out)
		},
	}
	cmd.Flags().StringVar(&format, "format", "pem", "encoding (pem, der)")
	cmd.Flags().StringVar(&out, "out", "", "output file or directory")
	return cmd
}

// export copies an artifact to stdout, a file, or a directory using the
// suggested file name.
func (a *App) export(cmd *cobra.Command, r io.Reader, name, out string) error {
	if out == "" {
		_, err := io.Copy(cmd.OutOrStdout(), r)
		return err
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		out = filepath.Join(out, name)
	}
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("export: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", out)
	return nil
}
